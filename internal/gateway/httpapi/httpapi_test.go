package httpapi

import (
	"testing"
	"time"

	"github.com/jkaninda/sandstorm/internal/store"
)

func TestLookupUser(t *testing.T) {
	keys := map[string]string{
		"sk-alpha": "alice",
		"sk-beta":  "bob",
	}

	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid key", "Bearer sk-alpha", "alice", true},
		{"second key", "Bearer sk-beta", "bob", true},
		{"unknown key", "Bearer sk-gamma", "", false},
		{"missing prefix", "sk-alpha", "", false},
		{"empty header", "", "", false},
		{"prefix only", "Bearer ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := lookupUser(keys, tt.header)
			if got != tt.want || ok != tt.ok {
				t.Errorf("lookupUser(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNewRequestID(t *testing.T) {
	a, b := newRequestID(), newRequestID()
	if len(a) != 16 {
		t.Errorf("len = %d, want 16", len(a))
	}
	if a == b {
		t.Error("request IDs should be unique")
	}
}

func TestRunResponse(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	rec := &store.RunRecord{
		ID:        "run-1",
		RequestID: "req-1",
		SandboxID: "sbx-1",
		Status:    "kept_alive",
		KeepAlive: true,
		Events:    7,
		Dropped:   1,
		Deadline:  &deadline,
	}
	got := runResponse(rec)
	if got.ID != "run-1" || got.Status != "kept_alive" || !got.KeepAlive {
		t.Errorf("runResponse = %+v", got)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", got.Deadline, deadline)
	}
}
