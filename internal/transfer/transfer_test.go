package transfer

import (
	"context"
	"testing"
)

func TestEventFromCallStatus(t *testing.T) {
	cases := []struct {
		status   string
		wantType string
		wantOK   bool
	}{
		{"answered", EventAnswered, true},
		{"in-progress", EventAnswered, true},
		{"completed", EventCompleted, true},
		{"busy", EventFailed, true},
		{"no-answer", EventFailed, true},
		{"failed", EventFailed, true},
		{"canceled", EventCancelled, true},
		{"ringing", "", false},
		{"initiated", "", false},
	}
	for _, c := range cases {
		ev, ok := EventFromCallStatus("tr-1", c.status)
		if ok != c.wantOK {
			t.Errorf("EventFromCallStatus(%q) ok = %v, want %v", c.status, ok, c.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if ev.Type != c.wantType || ev.TransferID != "tr-1" {
			t.Errorf("EventFromCallStatus(%q) = %+v", c.status, ev)
		}
		if ev.Type == EventFailed && ev.Reason != c.status {
			t.Errorf("failure reason = %q, want %q", ev.Reason, c.status)
		}
	}
}

func TestPublishResultRequiresID(t *testing.T) {
	if err := PublishResult(context.Background(), nil, Event{Type: EventCompleted}); err == nil {
		t.Error("event without transfer id should fail")
	}
}

func TestKeys(t *testing.T) {
	if got := ContextKey("abc"); got != "transfer:context:abc" {
		t.Errorf("ContextKey = %q", got)
	}
	if got := EventsChannel("abc"); got != "transfer:events:abc" {
		t.Errorf("EventsChannel = %q", got)
	}
}
