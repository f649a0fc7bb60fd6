package artifacts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/campaign"
)

func TestArtifactKeys(t *testing.T) {
	if got := RecordingKey("run-1"); got != "recordings/run-1.wav" {
		t.Errorf("RecordingKey = %q", got)
	}
	if got := TranscriptKey("run-1"); got != "transcripts/run-1.txt" {
		t.Errorf("TranscriptKey = %q", got)
	}
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	url, err := s.Put(ctx, "recordings/r1.wav", "audio/wav", []byte("abc"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "memory://recordings/r1.wav" {
		t.Errorf("url = %q", url)
	}

	data, err := s.Get(ctx, "recordings/r1.wav")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "abc" {
		t.Errorf("data = %q", data)
	}
	// Mutating the returned slice must not touch the stored copy.
	data[0] = 'x'
	again, _ := s.Get(ctx, "recordings/r1.wav")
	if string(again) != "abc" {
		t.Errorf("stored copy mutated: %q", again)
	}

	signed, err := s.SignedURL(ctx, "recordings/r1.wav", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.Contains(signed, "signed=1") {
		t.Errorf("signed url = %q", signed)
	}
	if _, err := s.SignedURL(ctx, "missing", time.Minute); err == nil {
		t.Error("SignedURL on missing key should fail")
	}
}

func TestWebhookIntegration(t *testing.T) {
	var gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := &WebhookIntegration{URL: srv.URL, Secret: "s3cret"}
	err := wh.Deliver(context.Background(), CompletionPayload{WorkflowRunID: "r1"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("content type = %q", gotType)
	}
}

func TestWebhookIntegration_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := &WebhookIntegration{URL: srv.URL}
	if err := wh.Deliver(context.Background(), CompletionPayload{}); err == nil {
		t.Error("502 response should be an error")
	}
}

func TestRetryReason(t *testing.T) {
	cases := []struct {
		name string
		args CompletionArgs
		want campaign.RetryReason
		ok   bool
	}{
		{"busy", CompletionArgs{CallStatus: "busy"}, campaign.ReasonBusy, true},
		{"no answer", CompletionArgs{CallStatus: "no-answer"}, campaign.ReasonNoAnswer, true},
		{"failed", CompletionArgs{CallStatus: "failed"}, campaign.ReasonFailed, true},
		{"voicemail", CompletionArgs{CallStatus: "completed", Disposition: "voicemail"}, campaign.ReasonVoicemail, true},
		{"pipeline error", CompletionArgs{CallStatus: "completed", EndReason: "UNEXPECTED_ERROR"}, campaign.ReasonError, true},
		{"normal completion", CompletionArgs{CallStatus: "completed", EndReason: "USER_HANGUP"}, "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := retryReason(c.args)
			if got != c.want || ok != c.ok {
				t.Errorf("retryReason = (%q, %v), want (%q, %v)", got, ok, c.want, c.ok)
			}
		})
	}
}

func TestCallFailed(t *testing.T) {
	if callFailed(CompletionArgs{CallStatus: "completed", EndReason: "USER_HANGUP"}) {
		t.Error("normal hangup should not count as failed")
	}
	if !callFailed(CompletionArgs{CallStatus: "busy"}) {
		t.Error("busy should count as failed")
	}
	if !callFailed(CompletionArgs{CallStatus: "completed", EndReason: "UNEXPECTED_ERROR"}) {
		t.Error("pipeline error should count as failed")
	}
}

func TestCSVSource_ReadRows(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	const key = "campaigns/org-1/leads.csv"
	csvData := "phone_number,name,account\n+15551230001,Ada,a-1\n+15551230002,Grace,a-2\n"
	if _, err := storage.Put(ctx, key, "text/csv", []byte(csvData)); err != nil {
		t.Fatal(err)
	}

	src := NewCSVSource(storage)
	rows, err := src.ReadRows(ctx, "org-1", "csv", key)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Values["phone_number"] != "+15551230001" || rows[0].Values["name"] != "Ada" {
		t.Errorf("row 0 = %v", rows[0].Values)
	}
	if rows[0].UUID == "" || rows[0].UUID == rows[1].UUID {
		t.Error("rows must get distinct UUIDs")
	}
}

func TestCSVSource_RejectsCrossOrgKey(t *testing.T) {
	src := NewCSVSource(NewMemoryStorage())
	_, err := src.ReadRows(context.Background(), "org-1", "csv", "campaigns/org-2/leads.csv")
	if err == nil {
		t.Error("cross-org source key should fail")
	}
}

func TestCSVSource_RejectsNonCSVType(t *testing.T) {
	src := NewCSVSource(NewMemoryStorage())
	_, err := src.ReadRows(context.Background(), "org-1", "sheet", "campaigns/org-1/x")
	if err == nil {
		t.Error("non-csv source type should fail")
	}
}

func TestParseCSV_Errors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"no phone column", "name,account\nAda,a-1\n"},
		{"empty phone", "phone_number,name\n,Ada\n"},
		{"empty input", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := parseCSV([]byte(c.data)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
