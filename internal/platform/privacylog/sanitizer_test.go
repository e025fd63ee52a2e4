package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsIdentities(t *testing.T) {
	args := SanitizeArgs(
		"actor_id", "alice",
		"session_id", "sess-1",
		"draft_id", "d1",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "actor_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[2]; got != "session_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if args[4] != "draft_id" || args[5] != "d1" {
		t.Fatalf("draft_id should pass through, got %v=%v", args[4], args[5])
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	if FingerprintID("alice") != FingerprintID(" alice ") {
		t.Fatal("fingerprint should ignore surrounding whitespace")
	}
	if FingerprintID("alice") == FingerprintID("bob") {
		t.Fatal("distinct ids should not collide")
	}
	if FingerprintID("  ") != "" {
		t.Fatal("empty id should fingerprint to empty")
	}
}

func TestSanitizingHandlerRedactsSensitiveAndIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	logger.Info("test",
		"actor_id", "alice",
		"display_name", "Alice Liddell",
		"rpc_token", "secret",
		"status", "ok",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["actor_id"]; ok {
		t.Fatal("actor_id should not be present")
	}
	if _, ok := payload["actor_id_fp"]; !ok {
		t.Fatal("actor_id_fp should be present")
	}
	if got, _ := payload["rpc_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted token, got %q", got)
	}
	if got, _ := payload["display_name"].(string); got != redactedValue {
		t.Fatalf("expected redacted display name, got %q", got)
	}
	if got, _ := payload["status"].(string); got != "ok" {
		t.Fatalf("expected untouched status, got %q", got)
	}
}

func TestSanitizingHandlerCoversGroupsAndWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("session_id", "sess-9")
	logger.Info("grouped", slog.Group("member", slog.String("actor_id", "bob"), slog.String("role", "editor")))

	out := buf.String()
	if strings.Contains(out, "sess-9") || strings.Contains(out, `"bob"`) {
		t.Fatalf("raw ids leaked: %s", out)
	}
	if !strings.Contains(out, "session_id_fp") || !strings.Contains(out, "actor_id_fp") {
		t.Fatalf("expected fingerprinted keys, got %s", out)
	}
	if !strings.Contains(out, `"role":"editor"`) {
		t.Fatalf("expected role to pass through, got %s", out)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("remote_addr", "127.0.0.1:5000"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "remote_addr_fp") {
		t.Fatalf("expected sanitized remote_addr key, got %s", buf.String())
	}
}
