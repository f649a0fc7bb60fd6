package campaign

import (
	"reflect"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/store"
)

func TestEventRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	hdr := Header{CampaignID: "camp-1", Timestamp: ts}

	events := []Event{
		&SyncCompleted{Header: hdr, TotalRows: 120},
		&BatchCompleted{Header: hdr, ProcessedCount: 8, FailedCount: 2, BatchSize: 10},
		&BatchFailed{Header: hdr, Error: "claim deadlock", ProcessedCount: 3},
		&RetryNeeded{Header: hdr, WorkflowRunID: "run-1", QueuedRunID: "qr-1", Reason: ReasonNoAnswer},
		&RetryFailed{Header: hdr, QueuedRunID: "qr-1", Reason: ReasonBusy},
		&CampaignCompleted{Header: hdr, TotalRows: 120, ProcessedRows: 110, FailedRows: 10, DurationSeconds: 3600.5},
		&CircuitBreakerTripped{Header: hdr, FailureRate: 0.75, FailureCount: 3, SuccessCount: 1, Threshold: 0.5, WindowSeconds: 60},
		&CampaignPaused{Header: hdr, Reason: "manual"},
		&CampaignResumed{Header: hdr},
	}

	for _, e := range events {
		raw, err := MarshalEvent(e)
		if err != nil {
			t.Fatalf("marshal %s: %v", e.EventType(), err)
		}
		got, err := ParseEvent(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", e.EventType(), err)
		}
		if got.EventType() != e.EventType() {
			t.Errorf("type changed: %s -> %s", e.EventType(), got.EventType())
		}
		if got.Campaign() != "camp-1" {
			t.Errorf("%s: campaign id lost", e.EventType())
		}
		if !reflect.DeepEqual(got, e) {
			t.Errorf("%s round trip mismatch:\n got %+v\nwant %+v", e.EventType(), got, e)
		}
	}
}

func TestParseEventRejects(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"type":"meteor_strike","data":{}}`)); err == nil {
		t.Error("unknown type should fail")
	}
	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Error("malformed envelope should fail")
	}
	if _, err := ParseEvent([]byte(`{"type":"sync_completed","data":"nope"}`)); err == nil {
		t.Error("malformed payload should fail")
	}
}

func TestRetrySourceUUID(t *testing.T) {
	cases := []struct {
		parent  string
		attempt int
		want    string
	}{
		{"row-abc", 1, "row-abc_retry_1"},
		{"row-abc_retry_1", 2, "row-abc_retry_2"},
		{"row-abc_retry_2", 3, "row-abc_retry_3"},
	}
	for _, tc := range cases {
		if got := retrySourceUUID(tc.parent, tc.attempt); got != tc.want {
			t.Errorf("retrySourceUUID(%q, %d) = %q, want %q", tc.parent, tc.attempt, got, tc.want)
		}
	}
}

func TestRetryableReason(t *testing.T) {
	base := store.RetryConfig{Enabled: true, RetryOnBusy: true}
	if !retryableReason(base, ReasonBusy) {
		t.Error("busy should retry when retry_on_busy set")
	}
	if retryableReason(base, ReasonNoAnswer) {
		t.Error("no_answer should not retry when flag unset")
	}
	if retryableReason(base, ReasonVoicemail) {
		t.Error("voicemail should not retry when flag unset")
	}
	if !retryableReason(base, ReasonFailed) || !retryableReason(base, ReasonError) {
		t.Error("hard failures retry whenever retries are enabled")
	}
	if retryableReason(base, RetryReason("unknown")) {
		t.Error("unknown reason should not retry")
	}
}

func TestProcessingLockDebounce(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	o := &Orchestrator{
		processingLock: make(map[string]time.Time),
	}

	if !o.acquireProcessingLock("c1", base) {
		t.Fatal("first acquire should succeed")
	}
	if o.acquireProcessingLock("c1", base.Add(2*time.Second)) {
		t.Error("acquire inside debounce window should fail")
	}
	if !o.acquireProcessingLock("c2", base.Add(2*time.Second)) {
		t.Error("other campaigns are independent")
	}
	if !o.acquireProcessingLock("c1", base.Add(6*time.Second)) {
		t.Error("acquire after debounce window should succeed")
	}
}
