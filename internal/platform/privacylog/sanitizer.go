// Package privacylog keeps collaborator identities and credentials out of logs.
// Actor and session ids are replaced by per-boot fingerprints so log lines of
// one process can still be correlated; credentials are dropped.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()
	// fingerprintedKeys identify a person or a physical connection.
	fingerprintedKeys = map[string]struct{}{
		"actor_id":    {},
		"session_id":  {},
		"remote_addr": {},
		"client_key":  {},
	}
	redactedKeys = map[string]struct{}{
		"display_name": {},
	}
	sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "cookie"}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

// NewLogger returns a sanitized JSON (or text) logger writing to w.
func NewLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}
	return slog.New(WrapHandler(base))
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	switch classify(key) {
	case actionRedact:
		return slog.String(key, redactedValue)
	case actionFingerprint:
		return slog.String(fingerprintKeyName(key), FingerprintID(attr.Value.Resolve().String()))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	}
	return attr
}

// SanitizeArgs applies the same rules to alternating key/value args.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		switch classify(key) {
		case actionRedact:
			out = append(out, key, redactedValue)
		case actionFingerprint:
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

type action int

const (
	actionKeep action = iota
	actionRedact
	actionFingerprint
)

func classify(key string) action {
	lower := strings.ToLower(strings.TrimSpace(key))
	if _, ok := redactedKeys[lower]; ok {
		return actionRedact
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return actionRedact
		}
	}
	if _, ok := fingerprintedKeys[lower]; ok {
		return actionFingerprint
	}
	return actionKeep
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
