package telephony

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestValidNumber(t *testing.T) {
	valid := []string{"+15551234567", "+442071838750", "+4915112345678"}
	for _, n := range valid {
		if !ValidNumber(n) {
			t.Errorf("ValidNumber(%q) = false, want true", n)
		}
	}
	invalid := []string{"", "5551234567", "+0123456", "+1 555 123 4567", "+1555123456789012345"}
	for _, n := range invalid {
		if ValidNumber(n) {
			t.Errorf("ValidNumber(%q) = true, want false", n)
		}
	}
}

func TestPickFromNumber(t *testing.T) {
	got, err := PickFromNumber("+15550001111", []string{"+15552223333"})
	if err != nil || got != "+15550001111" {
		t.Errorf("explicit number: got %q, %v", got, err)
	}

	if _, err := PickFromNumber("not-a-number", nil); err == nil {
		t.Error("invalid explicit number should fail")
	}

	pool := []string{"+15551112222", "bogus", "+15553334444"}
	got, err = PickFromNumber("", pool)
	if err != nil {
		t.Fatal(err)
	}
	if got != "+15551112222" && got != "+15553334444" {
		t.Errorf("pool pick = %q, want a valid pool member", got)
	}

	if _, err := PickFromNumber("", []string{"bogus"}); err != ErrNoFromNumber {
		t.Errorf("exhausted pool error = %v, want ErrNoFromNumber", err)
	}
}

func TestRegistry(t *testing.T) {
	tw := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "tok"})
	reg := NewRegistry(tw)

	p, err := reg.Get("twilio")
	if err != nil || p.Name() != "twilio" {
		t.Fatalf("Get(twilio) = %v, %v", p, err)
	}
	if _, err := reg.Get("nonexistent"); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestSerializers(t *testing.T) {
	pcm := make([]byte, 640) // 20 ms at 16 kHz
	for i := range pcm {
		pcm[i] = byte(i)
	}

	var ulaw ULawSerializer
	wire := ulaw.Encode(pcm, 16000)
	if len(wire) != 160 {
		t.Errorf("ulaw wire len = %d, want 160", len(wire))
	}
	decoded := ulaw.Decode(wire)
	if len(decoded) != 320 {
		t.Errorf("ulaw decoded len = %d, want 320", len(decoded))
	}

	var l16 L16Serializer
	if got := l16.Encode(pcm, 16000); len(got) != len(pcm) {
		t.Errorf("l16 same-rate encode changed length: %d", len(got))
	}
	if got := l16.Encode(pcm, 8000); len(got) != 2*len(pcm) {
		t.Errorf("l16 upsample len = %d, want %d", len(got), 2*len(pcm))
	}

	raw := PCMSerializer{Rate: 16000}
	if got := raw.Decode(pcm); len(got) != len(pcm) {
		t.Errorf("pcm decode changed length: %d", len(got))
	}
}

func testTwilio(t *testing.T) *Twilio {
	t.Helper()
	return NewTwilio(TwilioConfig{
		AccountSID:  "AC123",
		AuthToken:   "token",
		MediaWSBase: "wss://voice.example.com/media",
		Logger:      discard,
	})
}

func TestTwilioWebhookResponse(t *testing.T) {
	tw := testTwilio(t)
	contentType, body, err := tw.WebhookResponse("wf-1", "user-1", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "text/xml" {
		t.Errorf("content type = %q", contentType)
	}
	for _, want := range []string{
		"<Connect>", "wss://voice.example.com/media",
		`name="workflow_run_id"`, `value="run-1"`,
		`name="workflow_id"`, `name="user_id"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("twiml missing %q:\n%s", want, body)
		}
	}
}

func TestTwilioParseStatusCallback(t *testing.T) {
	tw := testTwilio(t)
	cb, err := tw.ParseStatusCallback(map[string]string{
		"CallSid":        "CA999",
		"CallStatus":     "in-progress",
		"From":           "+15550001111",
		"To":             "+15552223333",
		"Direction":      "outbound-api",
		"CallDuration":   "42",
		"SequenceNumber": "3",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cb.CallID != "CA999" {
		t.Errorf("call id = %q", cb.CallID)
	}
	if cb.Status != "answered" {
		t.Errorf("status = %q, want answered", cb.Status)
	}
	if cb.Duration != 42*time.Second {
		t.Errorf("duration = %v", cb.Duration)
	}
	if cb.Extra["SequenceNumber"] != "3" {
		t.Errorf("extra = %v", cb.Extra)
	}

	if _, err := tw.ParseStatusCallback(map[string]string{"CallStatus": "completed"}); err == nil {
		t.Error("callback without CallSid should fail")
	}
}

func TestNormalizeTwilioStatus(t *testing.T) {
	cases := map[string]string{
		"queued":      "initiated",
		"initiated":   "initiated",
		"ringing":     "ringing",
		"in-progress": "answered",
		"completed":   "completed",
		"busy":        "busy",
		"no-answer":   "no-answer",
		"canceled":    "failed",
	}
	for in, want := range cases {
		if got := normalizeTwilioStatus(in); got != want {
			t.Errorf("normalizeTwilioStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTwilioInbound(t *testing.T) {
	tw := testTwilio(t)
	params := map[string]string{
		"AccountSid": "AC123",
		"CallSid":    "CA1",
		"From":       "+15550001111",
		"To":         "+15552223333",
	}
	if !tw.CanHandleInbound(params) {
		t.Fatal("CanHandleInbound = false")
	}
	in, err := tw.ParseInbound(params)
	if err != nil {
		t.Fatal(err)
	}
	if in.CallID != "CA1" || in.AccountID != "AC123" {
		t.Errorf("inbound = %+v", in)
	}
	if !tw.ValidateAccountID("AC123") || tw.ValidateAccountID("AC999") {
		t.Error("account validation mismatch")
	}

	if _, err := tw.ParseInbound(map[string]string{"From": "+1"}); err == nil {
		t.Error("non-twilio payload should fail")
	}
}
