package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/rijantuby/rijantuby/internal/config"
	"github.com/rijantuby/rijantuby/internal/resilience"
	"github.com/rijantuby/rijantuby/pkg/provider/chat"
	"github.com/rijantuby/rijantuby/pkg/provider/chat/anyllm"
	chatgemini "github.com/rijantuby/rijantuby/pkg/provider/chat/gemini"
	chatopenai "github.com/rijantuby/rijantuby/pkg/provider/chat/openai"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
	rtgemini "github.com/rijantuby/rijantuby/pkg/provider/realtime/gemini"
)

// errNotConfigured is reported when a provider section names no provider.
var errNotConfigured = errors.New("no provider configured")

// RegisterBuiltinProviders wires every provider implementation that ships
// with the server into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── Chat ──────────────────────────────────────────────────────────────────

	reg.RegisterChat("gemini", func(entry config.ProviderEntry) (chat.Provider, error) {
		var opts []chatgemini.Option
		if entry.Model != "" {
			opts = append(opts, chatgemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, chatgemini.WithBaseURL(entry.BaseURL))
		}
		return chatgemini.New(context.Background(), entry.APIKey, opts...)
	})

	reg.RegisterChat("openai", func(entry config.ProviderEntry) (chat.Provider, error) {
		var opts []chatopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, chatopenai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, chatopenai.WithOrganization(org))
		}
		return chatopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// anyllm reaches any backend any-llm-go supports; options.backend picks it.
	reg.RegisterChat("anyllm", func(entry config.ProviderEntry) (chat.Provider, error) {
		backend := entry.OptionString("backend")
		model := entry.Model
		if model == "" && backend == "gemini" {
			model = chatgemini.DefaultModel
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, model, opts...)
	})

	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("gemini", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []rtgemini.Option
		if entry.Model != "" {
			opts = append(opts, rtgemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, rtgemini.WithBaseURL(entry.BaseURL))
		}
		return rtgemini.New(entry.APIKey, opts...), nil
	})

	for _, kind := range []string{"chat", "realtime"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// unavailableChat stands in for a chat provider that could not be built. The
// failure surfaces when a conversation initialises, not at startup.
type unavailableChat struct{ err error }

func (u unavailableChat) NewSession(context.Context, chat.SessionConfig) (chat.Session, error) {
	return nil, u.err
}

// unavailableRealtime is the realtime counterpart of [unavailableChat].
type unavailableRealtime struct{ err error }

func (u unavailableRealtime) Connect(context.Context, realtime.SessionConfig) (realtime.Session, error) {
	return nil, u.err
}

var (
	_ chat.Provider     = unavailableChat{}
	_ realtime.Provider = unavailableRealtime{}
)

// buildChat creates the configured chat provider. A provider that cannot be
// created is replaced by one that reports the error on every session; the
// error is also returned for the readiness probe.
func buildChat(reg *config.Registry, entry config.ProviderEntry) (chat.Provider, error) {
	if entry.Name == "" {
		err := fmt.Errorf("chat: %w", errNotConfigured)
		return unavailableChat{err: err}, err
	}
	p, err := reg.CreateChat(entry)
	if err != nil {
		err = fmt.Errorf("create chat provider %q: %w", entry.Name, err)
		return unavailableChat{err: err}, err
	}
	return p, nil
}

// buildRealtime is the realtime counterpart of [buildChat].
func buildRealtime(reg *config.Registry, entry config.ProviderEntry) (realtime.Provider, error) {
	if entry.Name == "" {
		err := fmt.Errorf("realtime: %w", errNotConfigured)
		return unavailableRealtime{err: err}, err
	}
	p, err := reg.CreateRealtime(entry)
	if err != nil {
		err = fmt.Errorf("create realtime provider %q: %w", entry.Name, err)
		return unavailableRealtime{err: err}, err
	}
	return p, nil
}

// breakerConfig converts the resilience section into breaker settings.
// Zero values keep the breaker defaults.
func breakerConfig(name string, rc config.ResilienceConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  rc.MaxFailures,
		ResetTimeout: rc.ResetTimeout,
		HalfOpenMax:  rc.HalfOpenMax,
	}
}
