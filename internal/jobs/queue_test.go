package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.StreamName != "jobs" {
		t.Errorf("StreamName = %q, want jobs", cfg.StreamName)
	}
	if cfg.SinkName != "workers" {
		t.Errorf("SinkName = %q, want workers", cfg.SinkName)
	}
	if cfg.MoverInterval != time.Second {
		t.Errorf("MoverInterval = %v", cfg.MoverInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
}

func TestConfigDefaults_PreservesExplicit(t *testing.T) {
	cfg := Config{StreamName: "calls", MaxAttempts: 7}
	cfg.applyDefaults()
	if cfg.StreamName != "calls" {
		t.Errorf("StreamName = %q, want calls", cfg.StreamName)
	}
	if cfg.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.MaxAttempts)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := envelope{Job: "dispatch_call", Attempt: 2, Data: []byte(`{"id":"x"}`), Nonce: "n-1"}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Job != in.Job || out.Attempt != in.Attempt || out.Nonce != in.Nonce {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if string(out.Data) != string(in.Data) {
		t.Errorf("data mismatch: %s", out.Data)
	}
}

func TestRegister_Validation(t *testing.T) {
	q := &Queue{handlers: map[string]Handler{}}
	noop := func(context.Context, []byte) error { return nil }

	if err := q.Register("", noop); err == nil {
		t.Error("expected error for empty job name")
	}
	if err := q.Register("a", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := q.Register("a", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := q.Register("a", noop); err == nil {
		t.Error("expected error for duplicate registration")
	}
}
