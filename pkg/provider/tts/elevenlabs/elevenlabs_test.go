package elevenlabs

import (
	"strings"
	"testing"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("ulaw_8000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" {
		t.Errorf("model = %q", p.model)
	}
	if p.outputFormat != "ulaw_8000" {
		t.Errorf("outputFormat = %q", p.outputFormat)
	}
}

func TestBuildURLForVoice(t *testing.T) {
	u := buildURLForVoice("voice123", "eleven_flash_v2_5", "pcm_16000")
	if !strings.Contains(u, "/text-to-speech/voice123/stream-input") {
		t.Errorf("URL missing voice path: %s", u)
	}
	if !strings.Contains(u, "model_id=eleven_flash_v2_5") {
		t.Errorf("URL missing model: %s", u)
	}
	if !strings.Contains(u, "output_format=pcm_16000") {
		t.Errorf("URL missing output format: %s", u)
	}
}

func TestParseVoicesResponse(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "v1", "name": "Rachel", "category": "premade", "labels": {"accent": "american"}},
			{"voice_id": "v2", "name": "Sam", "labels": {}}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(profiles))
	}
	if profiles[0].ID != "v1" || profiles[0].Name != "Rachel" {
		t.Errorf("unexpected first profile: %+v", profiles[0])
	}
	if profiles[0].Provider != "elevenlabs" {
		t.Errorf("provider = %q, want elevenlabs", profiles[0].Provider)
	}
	if profiles[0].Metadata["accent"] != "american" {
		t.Errorf("missing accent label: %v", profiles[0].Metadata)
	}
	if profiles[0].Metadata["category"] != "premade" {
		t.Errorf("missing category: %v", profiles[0].Metadata)
	}
}

func TestParseVoicesResponse_Invalid(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{bad`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
