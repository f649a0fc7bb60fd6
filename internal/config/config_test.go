package config

import (
	"strings"
	"testing"
)

const validYAML = `
server:
  listen_addr: ":8080"
  public_base_url: "https://voice.example.com"
  log_level: info
database:
  dsn: "postgres://localhost/voicelane"
bus:
  addr: "localhost:6379"
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Model != "gpt-4o" {
		t.Errorf("llm model = %q", cfg.Providers.LLM.Model)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader(validYAML + "\nmystery: true\n")); err == nil {
		t.Error("unknown top-level field should fail")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		mutate func(*Config)
	}{
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"missing bus addr", func(c *Config) { c.Bus.Addr = "" }},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }},
		{"llm without key", func(c *Config) { c.Providers.LLM.APIKey = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatal(err)
			}
			c.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}
