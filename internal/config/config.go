// Package config provides the configuration schema, loader, and provider registry
// for the RIjantuby AI server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the server.
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

// SlogLevel maps l onto a [slog.Level]. Unset or unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Voice      VoiceConfig      `yaml:"voice"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Zero selects 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AssistantConfig sets the assistant persona. Empty fields fall back to the
// built-in defaults of the chat and voice packages. Changes apply to
// sessions opened after a reload.
type AssistantConfig struct {
	// ChatInstruction is the system instruction for text chat sessions.
	ChatInstruction string `yaml:"chat_instruction"`

	// VoiceInstruction is the system instruction for realtime voice sessions.
	VoiceInstruction string `yaml:"voice_instruction"`

	// Voice names the prebuilt voice the realtime model speaks with.
	Voice string `yaml:"voice"`
}

// ProvidersConfig selects the backend for each conversation surface. Each
// entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	Chat     ProviderEntry `yaml:"chat"`
	Realtime ProviderEntry `yaml:"realtime"`

	// RealtimeFallbacks are tried in order when the primary realtime
	// provider fails to connect or its circuit breaker is open.
	RealtimeFallbacks []ProviderEntry `yaml:"realtime_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig tunes the realtime voice pipeline.
type VoiceConfig struct {
	// QueueDepth is the number of captured frames buffered for transmission
	// before new frames are dropped. Zero selects the pipeline default.
	QueueDepth int `yaml:"queue_depth"`
}

// ResilienceConfig configures the circuit breakers around the providers.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failures that open a breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probes admitted while half-open.
	HalfOpenMax int `yaml:"half_open_max"`
}

// OptionString returns the string value of a provider option, or "" when it
// is unset or not a string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}
