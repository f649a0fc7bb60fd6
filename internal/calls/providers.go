package calls

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voicelane/voicelane/internal/config"
	"github.com/voicelane/voicelane/internal/engine"
	"github.com/voicelane/voicelane/pkg/provider/llm"
	"github.com/voicelane/voicelane/pkg/provider/llm/anyllm"
	"github.com/voicelane/voicelane/pkg/provider/llm/openai"
	"github.com/voicelane/voicelane/pkg/provider/stt"
	"github.com/voicelane/voicelane/pkg/provider/stt/deepgram"
	"github.com/voicelane/voicelane/pkg/provider/tts"
	"github.com/voicelane/voicelane/pkg/provider/tts/elevenlabs"
)

// Providers bundles the media providers a process runs calls with.
type Providers struct {
	LLM      llm.Provider
	STT      stt.Provider
	TTS      tts.Provider
	Embedder engine.Embedder
}

// BuildProviders instantiates the providers named in cfg. Unset entries stay
// nil; a process that never answers media sessions runs fine without them.
func BuildProviders(cfg config.ProvidersConfig) (*Providers, error) {
	out := &Providers{}

	switch name := cfg.LLM.Name; name {
	case "":
	case "openai":
		var opts []openai.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		p, err := openai.New(cfg.LLM.APIKey, cfg.LLM.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("calls: llm provider: %w", err)
		}
		out.LLM = p
	default:
		var opts []anyllmlib.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
		}
		p, err := anyllm.New(name, cfg.LLM.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("calls: llm provider %q: %w", name, err)
		}
		out.LLM = p
	}

	switch name := cfg.STT.Name; name {
	case "":
	case "deepgram":
		var opts []deepgram.Option
		if cfg.STT.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.STT.Model))
		}
		p, err := deepgram.New(cfg.STT.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("calls: stt provider: %w", err)
		}
		out.STT = p
	default:
		return nil, fmt.Errorf("calls: unknown stt provider %q", name)
	}

	switch name := cfg.TTS.Name; name {
	case "":
	case "elevenlabs":
		var opts []elevenlabs.Option
		if cfg.TTS.Model != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.TTS.Model))
		}
		p, err := elevenlabs.New(cfg.TTS.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("calls: tts provider: %w", err)
		}
		out.TTS = p
	default:
		return nil, fmt.Errorf("calls: unknown tts provider %q", name)
	}

	if e := cfg.Embeddings; e.Name == "openai" && e.APIKey != "" {
		model := e.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		p, err := openai.New(e.APIKey, model, openai.WithEmbedModel(model))
		if err != nil {
			return nil, fmt.Errorf("calls: embeddings provider: %w", err)
		}
		out.Embedder = p
	} else if em, ok := out.LLM.(engine.Embedder); ok {
		// The chat provider doubles as the retrieval embedder when it can.
		out.Embedder = em
	}

	return out, nil
}
