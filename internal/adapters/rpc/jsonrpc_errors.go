package rpc

import (
	"errors"

	"draft-collab/go-backend/pkg/models"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeRateLimited    = -32029
	codeInvalidDraft   = -32010

	codeAPIVersionTooNew  = -32080
	codeAPIVersionRetired = -32081
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

func rpcServiceUnavailable() *rpcError {
	return &rpcError{Code: -32099, Message: "service is not initialized"}
}

func rpcServiceError(code int, err error) *rpcError {
	return &rpcError{Code: code, Message: err.Error()}
}

func mapPresenceRPCError(err error) *rpcError {
	if errors.Is(err, models.ErrInvalidDraftID) {
		return rpcServiceError(codeInvalidDraft, err)
	}
	return rpcInvalidParams()
}
