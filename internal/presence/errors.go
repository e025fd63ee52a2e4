package presence

import (
	"errors"
	"fmt"
)

const (
	CodeInvalidDraft     = "invalid_draft"
	CodeInvalidMember    = "invalid_member"
	CodeMalformedPayload = "malformed_payload"
	CodeUnknownEvent     = "unknown_event"
	CodeNotJoined        = "not_joined"
	CodeRateLimited      = "rate_limited"
)

var (
	ErrOutboxClosed = errors.New("presence outbox is closed")
	ErrNotJoined    = errors.New("session has not joined the draft")
)

// ProtocolError reports a malformed or out-of-sequence presence request.
// It is returned to the offending connection only and never changes
// registry state.
type ProtocolError struct {
	Code string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "presence protocol error"
	}
	if e.Err == nil {
		return fmt.Sprintf("presence protocol error: %s", e.Code)
	}
	return fmt.Sprintf("presence protocol error: %s: %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func protocolError(code string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

// IsProtocolError reports whether err is a *ProtocolError and returns its code.
func IsProtocolError(err error) (string, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	return "", false
}
