package rpc

import (
	"draft-collab/go-backend/internal/app"
	"draft-collab/go-backend/internal/transport/wire"
)

// The RPC API and the websocket presence protocol are versioned
// independently. Callers pin the RPC API with the api_version param.
const (
	apiVersion    = 1
	minAPIVersion = 1

	// rpcNotificationVersion is the params.version of streamed notifications.
	rpcNotificationVersion = 1
)

func validateRPCAPIVersion(v *int) *rpcError {
	if v == nil {
		return nil
	}
	switch {
	case *v < minAPIVersion:
		return &rpcError{Code: codeAPIVersionRetired, Message: "api_version is older than this collaboration server accepts"}
	case *v > apiVersion:
		return &rpcError{Code: codeAPIVersionTooNew, Message: "api_version is newer than this collaboration server"}
	}
	return nil
}

// rpcVersionInfo answers rpc.version so tooling can check compatibility
// before opening a presence connection or an event stream.
func rpcVersionInfo() map[string]any {
	return map[string]any{
		"api_version":           apiVersion,
		"min_api_version":       minAPIVersion,
		"presence_subprotocols": wire.Subprotocols(),
		"stream_methods":        []string{app.MethodPresenceJoined, app.MethodPresenceLeft},
	}
}
