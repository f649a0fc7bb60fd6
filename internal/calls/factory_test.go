package calls

import (
	"os"
	"testing"
)

func TestWriteTemp(t *testing.T) {
	path, err := writeTemp("recording-*.wav", []byte("RIFF0000"))
	if err != nil {
		t.Fatalf("writeTemp: %v", err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "RIFF0000" {
		t.Errorf("staged content = %q", data)
	}
}
