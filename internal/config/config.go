// Package config provides the configuration schema and loader for the
// voicelane services.
package config

import (
	"log/slog"

	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/store"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps the level to its slog equivalent. Unknown levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure, loaded from a YAML file with
// [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  store.Config    `yaml:"database"`
	Bus       BusConfig       `yaml:"bus"`
	Jobs      jobs.Config     `yaml:"jobs"`
	Providers ProvidersConfig `yaml:"providers"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Stasis    StasisConfig    `yaml:"stasis"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable https:// origin telephony
	// providers call back into.
	PublicBaseURL string `yaml:"public_base_url"`

	// MediaWSBase is the externally reachable wss:// URL of the media stream
	// endpoint.
	MediaWSBase string `yaml:"media_ws_base"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BusConfig holds the Redis connection settings.
type BusConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderEntry is the common configuration block shared by all media
// providers.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "deepgram", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// ProvidersConfig declares the provider for each pipeline stage.
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// TelephonyConfig holds the process-wide telephony adapter credentials.
// Per-organization bindings live in the database; these are the platform
// accounts the adapters authenticate with.
type TelephonyConfig struct {
	Twilio TwilioConfig `yaml:"twilio"`
}

// TwilioConfig holds the Twilio account credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
}

// StasisConfig holds the broker settings.
type StasisConfig struct {
	// WorkerID identifies this worker process. Defaults to a random UUID.
	WorkerID string `yaml:"worker_id"`

	// MediaWSBase is the ws:// base the manager points external-media
	// channels at.
	MediaWSBase string `yaml:"media_ws_base"`

	// ListenAddr is the worker's media endpoint listen address.
	ListenAddr string `yaml:"listen_addr"`

	// ARI is the platform call-control account outbound originations use.
	ARI ARIConfig `yaml:"ari"`
}

// ARIConfig holds the stasis call-control REST credentials.
type ARIConfig struct {
	BaseURL  string `yaml:"base_url"`
	App      string `yaml:"app"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TransferConfig holds the warm-transfer settings.
type TransferConfig struct {
	// HoldMusicPath is a 16-bit mono PCM WAV file looped while a transfer is
	// in flight. Empty disables hold music.
	HoldMusicPath string `yaml:"hold_music_path"`
}

// StorageConfig selects the artifact storage backend.
type StorageConfig struct {
	// Backend names the storage driver (e.g., "s3", "gcs"). The driver is
	// provided by the deployment; this package only records the selection.
	Backend string `yaml:"backend"`

	// Bucket is the artifact bucket or container name.
	Bucket string `yaml:"bucket"`
}
