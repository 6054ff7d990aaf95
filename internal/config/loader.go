package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file.
const (
	EnvAPIKey       = "API_KEY"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvListenAddr   = "RIJANTUBY_LISTEN_ADDR"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"chat":     {"gemini", "openai", "anyllm"},
	"realtime": {"gemini"},
}

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=value pairs from the dotenv file at path into the
// process environment. Variables that are already set are not overwritten. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := parse(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, nil)
}

func parse(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with values from the environment.
//
// GEMINI_API_KEY, or API_KEY when the former is unset, replaces the api_key
// of every Gemini provider entry, including any-llm entries whose backend
// option is "gemini". RIJANTUBY_LISTEN_ADDR replaces server.listen_addr.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if addr, ok := lookup(EnvListenAddr); ok && addr != "" {
		cfg.Server.ListenAddr = addr
	}

	key, ok := lookup(EnvGeminiAPIKey)
	if !ok || key == "" {
		key, ok = lookup(EnvAPIKey)
	}
	if !ok || key == "" {
		return
	}
	entries := []*ProviderEntry{&cfg.Providers.Chat, &cfg.Providers.Realtime}
	for i := range cfg.Providers.RealtimeFallbacks {
		entries = append(entries, &cfg.Providers.RealtimeFallbacks[i])
	}
	for _, e := range entries {
		if e.usesGemini() {
			e.APIKey = key
		}
	}
}

func (e ProviderEntry) usesGemini() bool {
	switch e.Name {
	case "gemini":
		return true
	case "anyllm":
		return e.OptionString("backend") == "gemini"
	}
	return false
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("chat", cfg.Providers.Chat.Name)
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	if cfg.Providers.Chat.Name == "anyllm" && cfg.Providers.Chat.OptionString("backend") == "" {
		errs = append(errs, errors.New("providers.chat: anyllm requires options.backend"))
	}
	if cfg.Providers.Chat.Name == "openai" && cfg.Providers.Chat.Model == "" {
		errs = append(errs, errors.New("providers.chat: openai requires a model"))
	}
	for i, fb := range cfg.Providers.RealtimeFallbacks {
		prefix := fmt.Sprintf("providers.realtime_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("realtime", fb.Name)
	}
	if len(cfg.Providers.RealtimeFallbacks) > 0 && cfg.Providers.Realtime.Name == "" {
		errs = append(errs, errors.New("providers.realtime_fallbacks is set but providers.realtime is not configured"))
	}

	// Availability warnings; a missing key surfaces per conversation, not at startup.
	if cfg.Providers.Chat.Name == "" {
		slog.Warn("no chat provider configured; the text chat will report an initialisation failure")
	}
	if cfg.Providers.Realtime.Name == "" {
		slog.Warn("no realtime provider configured; voice sessions will fail to start")
	}

	// Voice
	if cfg.Voice.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("voice.queue_depth %d must not be negative", cfg.Voice.QueueDepth))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}
	if cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", cfg.Resilience.HalfOpenMax))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
