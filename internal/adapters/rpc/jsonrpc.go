package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientKey := rpcRateLimitKey(r, s.extractRPCToken(r))
	if !s.rpcLimiter.Allow(clientKey, s.now()) {
		writeRPCStatus(w, http.StatusTooManyRequests, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeRateLimited, Message: "rate limit exceeded"},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	reqID := "rpc_" + uuid.NewString()
	started := s.now()
	s.logger.Info("rpc request", "component", "rpc", "request_id", reqID, "method", req.Method, "client_key", clientKey)

	result, rpcErr := s.dispatchRPC(req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Warn("rpc failed", "component", "rpc", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", s.now().Sub(started).Milliseconds())
	} else {
		s.logger.Info("rpc response", "component", "rpc", "request_id", reqID, "method", req.Method, "latency_ms", s.now().Sub(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
}

func (s *Server) dispatchRPC(method string, rawParams json.RawMessage) (any, *rpcError) {
	version, err := decodeAPIVersion(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	if rpcErr := validateRPCAPIVersion(version); rpcErr != nil {
		return nil, rpcErr
	}

	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "rpc.version":
		return rpcVersionInfo(), nil
	case "presence.snapshot":
		if s.service.Presence == nil {
			return nil, rpcServiceUnavailable()
		}
		draftID, err := decodeDraftIDParam(rawParams)
		if err != nil {
			return nil, mapPresenceRPCError(err)
		}
		snap, _ := s.service.Presence.Snapshot(draftID)
		return snap, nil
	case "presence.drafts":
		if s.service.Presence == nil {
			return nil, rpcServiceUnavailable()
		}
		return map[string]any{"drafts": s.service.Presence.Drafts()}, nil
	case "serializer.stats":
		if s.service.Serializer == nil {
			return nil, rpcServiceUnavailable()
		}
		return s.service.Serializer.Stats(), nil
	}
	return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeRPCStatus(w, http.StatusOK, resp)
}

func writeRPCStatus(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: codeInvalidRequest, Message: "invalid request"},
	})
}
