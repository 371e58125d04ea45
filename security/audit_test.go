package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newJSONAuditor(buf *bytes.Buffer, enabled bool) *Auditor {
	return NewAuditor(slog.New(slog.NewJSONHandler(buf, nil)), enabled)
}

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	a := newJSONAuditor(&buf, true)

	a.LogTokenIssued("withings-user-42", "client-1", "203.0.113.7")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON log: %v", err)
	}
	if rec["msg"] != "security_audit" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["event_type"] != EventTokenIssued {
		t.Errorf("event_type = %v", rec["event_type"])
	}
	if rec["client_id"] != "client-1" {
		t.Errorf("client_id = %v", rec["client_id"])
	}
	if strings.Contains(buf.String(), "withings-user-42") {
		t.Error("raw user ID leaked into audit log")
	}
	if hash, _ := rec["user_id_hash"].(string); len(hash) != 16 {
		t.Errorf("user_id_hash = %q, want 16 hex chars", hash)
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	a := newJSONAuditor(&buf, false)

	a.LogRateLimitExceeded("203.0.113.7", "token")
	a.LogClientRegistered("c", "public", "203.0.113.7")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote: %s", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogAuthFailure("c", "ip", "reason")
}

func TestHashForLogging(t *testing.T) {
	if hashForLogging("") != "" {
		t.Error("empty input should hash to empty string")
	}
	if hashForLogging("a") == hashForLogging("b") {
		t.Error("different inputs share a hash")
	}
	if hashForLogging("a") != hashForLogging("a") {
		t.Error("hash is not deterministic")
	}
}
