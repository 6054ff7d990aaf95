package config_test

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rijantuby/rijantuby/internal/config"
	"github.com/rijantuby/rijantuby/pkg/provider/chat"
	chatmock "github.com/rijantuby/rijantuby/pkg/provider/chat/mock"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
	realtimemock "github.com/rijantuby/rijantuby/pkg/provider/realtime/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  shutdown_timeout: 15s

assistant:
  chat_instruction: "You are a terse assistant."
  voice_instruction: "You are a cheerful voice assistant."
  voice: Puck

providers:
  chat:
    name: anyllm
    model: llama3
    options:
      backend: ollama
  realtime:
    name: gemini
    api_key: yaml-key
  realtime_fallbacks:
    - name: gemini
      model: gemini-live-2.5-flash-preview

voice:
  queue_depth: 16

resilience:
  max_failures: 3
  reset_timeout: 45s
  half_open_max: 2
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("server.shutdown_timeout: got %s, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Assistant.Voice != "Puck" {
		t.Errorf("assistant.voice: got %q, want %q", cfg.Assistant.Voice, "Puck")
	}
	if cfg.Providers.Chat.Name != "anyllm" {
		t.Errorf("providers.chat.name: got %q, want %q", cfg.Providers.Chat.Name, "anyllm")
	}
	if got := cfg.Providers.Chat.OptionString("backend"); got != "ollama" {
		t.Errorf("providers.chat.options.backend: got %q, want %q", got, "ollama")
	}
	if cfg.Providers.Realtime.APIKey != "yaml-key" {
		t.Errorf("providers.realtime.api_key: got %q, want %q", cfg.Providers.Realtime.APIKey, "yaml-key")
	}
	if len(cfg.Providers.RealtimeFallbacks) != 1 {
		t.Fatalf("providers.realtime_fallbacks: got %d, want 1", len(cfg.Providers.RealtimeFallbacks))
	}
	if cfg.Voice.QueueDepth != 16 {
		t.Errorf("voice.queue_depth: got %d, want 16", cfg.Voice.QueueDepth)
	}
	if cfg.Resilience.ResetTimeout != 45*time.Second {
		t.Errorf("resilience.reset_timeout: got %s, want 45s", cfg.Resilience.ResetTimeout)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.HalfOpenMax != 2 {
		t.Errorf("resilience: got %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	// An empty config should succeed (no required top-level fields).
	for _, in := range []string{"{}", ""} {
		if _, err := config.LoadFromReader(strings.NewReader(in)); err != nil {
			t.Fatalf("unexpected error for empty config %q: %v", in, err)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	yaml := `
server:
  listen_adr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestOptionString(t *testing.T) {
	e := config.ProviderEntry{Options: map[string]any{"backend": "groq", "retries": 3}}
	if got := e.OptionString("backend"); got != "groq" {
		t.Errorf("backend: got %q, want %q", got, "groq")
	}
	if got := e.OptionString("retries"); got != "" {
		t.Errorf("non-string option: got %q, want empty", got)
	}
	if got := e.OptionString("missing"); got != "" {
		t.Errorf("missing option: got %q, want empty", got)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.SlogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q).SlogLevel() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateChat(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateChat: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateRealtime(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRealtime: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredChat(t *testing.T) {
	reg := config.NewRegistry()
	want := &chatmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterChat("stub", func(e config.ProviderEntry) (chat.Provider, error) {
		gotEntry = e
		return want, nil
	})
	got, err := reg.CreateChat(config.ProviderEntry{Name: "stub", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m" {
		t.Errorf("factory entry model: got %q, want %q", gotEntry.Model, "m")
	}
}

func TestRegistry_RegisteredRealtime(t *testing.T) {
	reg := config.NewRegistry()
	want := &realtimemock.Provider{}
	reg.RegisterRealtime("stub", func(config.ProviderEntry) (realtime.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateRealtime(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterChat("broken", func(config.ProviderEntry) (chat.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateChat(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	noop := func(config.ProviderEntry) (chat.Provider, error) { return nil, nil }
	reg.RegisterChat("openai", noop)
	reg.RegisterChat("gemini", noop)
	reg.RegisterRealtime("gemini", func(config.ProviderEntry) (realtime.Provider, error) { return nil, nil })

	if got, want := reg.Names("chat"), []string{"gemini", "openai"}; !slices.Equal(got, want) {
		t.Errorf("Names(chat): got %v, want %v", got, want)
	}
	if got, want := reg.Names("realtime"), []string{"gemini"}; !slices.Equal(got, want) {
		t.Errorf("Names(realtime): got %v, want %v", got, want)
	}
	if got := reg.Names("tts"); len(got) != 0 {
		t.Errorf("Names(tts): got %v, want none", got)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	f, err := os.Open("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("open example: %v", err)
	}
	defer f.Close()

	cfg, err := config.LoadFromReader(f)
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Providers.Chat.Name != "gemini" || cfg.Providers.Realtime.Name != "gemini" {
		t.Errorf("providers: got %+v", cfg.Providers)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown_timeout: got %v", cfg.Server.ShutdownTimeout)
	}
}
