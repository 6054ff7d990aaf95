package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rijantuby/rijantuby/internal/app"
	"github.com/rijantuby/rijantuby/internal/config"
	"github.com/rijantuby/rijantuby/internal/resilience"
	"github.com/rijantuby/rijantuby/internal/web"
	"github.com/rijantuby/rijantuby/pkg/provider/chat"
	chatmock "github.com/rijantuby/rijantuby/pkg/provider/chat/mock"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
	realtimemock "github.com/rijantuby/rijantuby/pkg/provider/realtime/mock"
)

// testConfig returns a config naming the "mock" providers for tests.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Assistant: config.AssistantConfig{
			ChatInstruction:  "Be brief.",
			VoiceInstruction: "Speak slowly.",
			Voice:            "Puck",
		},
		Providers: config.ProvidersConfig{
			Chat:     config.ProviderEntry{Name: "mock", Model: "mock-chat"},
			Realtime: config.ProviderEntry{Name: "mock"},
		},
		Voice: config.VoiceConfig{QueueDepth: 4},
	}
}

// testRegistry returns a registry whose "mock" entries hand out the given
// providers.
func testRegistry(cp chat.Provider, rp realtime.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterChat("mock", func(config.ProviderEntry) (chat.Provider, error) { return cp, nil })
	reg.RegisterRealtime("mock", func(config.ProviderEntry) (realtime.Provider, error) { return rp, nil })
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithLogger(quietLogger())}, opts...)
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	cp := &chatmock.Provider{}
	rp := &realtimemock.Provider{}
	a := newApp(t, testConfig(), app.WithRegistry(testRegistry(cp, rp)))

	want := web.Settings{
		ChatInstruction:   "Be brief.",
		ChatModel:         "mock-chat",
		VoiceInstruction:  "Speak slowly.",
		Voice:             "Puck",
		CaptureQueueDepth: 4,
	}
	if got := a.Settings(); got != want {
		t.Errorf("Settings() = %+v, want %+v", got, want)
	}

	if _, err := a.ChatProvider().NewSession(context.Background(), chat.SessionConfig{}); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if got := len(cp.Calls()); got != 1 {
		t.Errorf("chat NewSession calls = %d, want 1", got)
	}

	sess, err := a.RealtimeProvider().Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close()
	if got := rp.ConnectCount(); got != 1 {
		t.Errorf("realtime Connect calls = %d, want 1", got)
	}

	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestNew_UnconfiguredProvidersAreNotFatal(t *testing.T) {
	t.Parallel()

	a := newApp(t, &config.Config{}, app.WithRegistry(config.NewRegistry()))

	if _, err := a.ChatProvider().NewSession(context.Background(), chat.SessionConfig{}); err == nil {
		t.Error("chat NewSession should fail without a provider")
	}
	if _, err := a.RealtimeProvider().Connect(context.Background(), realtime.SessionConfig{}); err == nil {
		t.Error("realtime Connect should fail without a provider")
	}

	if rec := get(t, a.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}
	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no provider configured") {
		t.Errorf("/readyz body should name the missing provider: %s", rec.Body.String())
	}
}

func TestNew_FactoryErrorSurfacesOnSession(t *testing.T) {
	t.Parallel()

	errNoKey := errors.New("apiKey must not be empty")
	reg := config.NewRegistry()
	reg.RegisterChat("mock", func(config.ProviderEntry) (chat.Provider, error) { return nil, errNoKey })
	reg.RegisterRealtime("mock", func(config.ProviderEntry) (realtime.Provider, error) { return nil, errNoKey })

	a := newApp(t, testConfig(), app.WithRegistry(reg))

	if _, err := a.ChatProvider().NewSession(context.Background(), chat.SessionConfig{}); !errors.Is(err, errNoKey) {
		t.Errorf("chat NewSession error = %v, want %v", err, errNoKey)
	}
	if _, err := a.RealtimeProvider().Connect(context.Background(), realtime.SessionConfig{}); !errors.Is(err, errNoKey) {
		t.Errorf("realtime Connect error = %v, want %v", err, errNoKey)
	}
}

func TestNew_RealtimeFallback(t *testing.T) {
	t.Parallel()

	primary := &realtimemock.Provider{ConnectErr: errors.New("handshake refused")}
	backup := &realtimemock.Provider{}
	reg := testRegistry(&chatmock.Provider{}, primary)
	reg.RegisterRealtime("backup", func(config.ProviderEntry) (realtime.Provider, error) { return backup, nil })

	cfg := testConfig()
	cfg.Providers.RealtimeFallbacks = []config.ProviderEntry{{Name: "backup", Model: "older-model"}}
	a := newApp(t, cfg, app.WithRegistry(reg))

	sess, err := a.RealtimeProvider().Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close()
	if got := primary.ConnectCount(); got != 1 {
		t.Errorf("primary Connect calls = %d, want 1", got)
	}
	if got := backup.ConnectCount(); got != 1 {
		t.Errorf("backup Connect calls = %d, want 1", got)
	}
}

func TestNew_RealtimeBreakerOpens(t *testing.T) {
	t.Parallel()

	rp := &realtimemock.Provider{ConnectErr: errors.New("upstream down")}
	cfg := testConfig()
	cfg.Resilience = config.ResilienceConfig{MaxFailures: 1, ResetTimeout: time.Hour}
	a := newApp(t, cfg, app.WithRegistry(testRegistry(&chatmock.Provider{}, rp)))

	ctx := context.Background()
	if _, err := a.RealtimeProvider().Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("first Connect should fail")
	}
	_, err := a.RealtimeProvider().Connect(ctx, realtime.SessionConfig{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("second Connect error = %v, want ErrCircuitOpen", err)
	}
	if got := rp.ConnectCount(); got != 1 {
		t.Errorf("Connect reached provider %d times, want 1", got)
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old,
		app.WithRegistry(testRegistry(&chatmock.Provider{}, &realtimemock.Provider{})),
		app.WithLevelVar(&level),
	)

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Assistant.Voice = "Kore"
	next.Assistant.ChatInstruction = "Be thorough."
	next.Providers.Realtime.Model = "another-model"

	d := a.Reload(old, next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	set := a.Settings()
	if set.Voice != "Kore" || set.ChatInstruction != "Be thorough." {
		t.Errorf("assistant settings not applied: %+v", set)
	}
	if set.ChatModel != "mock-chat" || set.CaptureQueueDepth != 4 {
		t.Errorf("restart-only settings changed: %+v", set)
	}
	if !slices.Equal(d.RestartRequired, []string{"providers"}) {
		t.Errorf("RestartRequired = %v, want [providers]", d.RestartRequired)
	}
}

const watchedYAML = `
server:
  log_level: %s
assistant:
  voice: %s
providers:
  chat:
    name: mock
  realtime:
    name: mock
`

func TestApp_ConfigWatchAppliesChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(level, voice string) {
		t.Helper()
		body := fmt.Sprintf(watchedYAML, level, voice)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("info", "Zephyr")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var level slog.LevelVar
	a := newApp(t, cfg,
		app.WithRegistry(testRegistry(&chatmock.Provider{}, &realtimemock.Provider{})),
		app.WithLevelVar(&level),
		app.WithConfigWatch(path, 20*time.Millisecond),
	)

	write("debug", "Puck")
	// Force a distinct mtime on coarse-grained filesystems.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if level.Level() == slog.LevelDebug && a.Settings().Voice == "Puck" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reload not applied: level=%v settings=%+v", level.Level(), a.Settings())
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var closed atomic.Int32
	a := newApp(t, testConfig(),
		app.WithRegistry(testRegistry(&chatmock.Provider{}, &realtimemock.Provider{})),
		app.WithListener(ln),
		app.WithCloser(func() error { closed.Add(1); return nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "RIjantuby AI") {
		t.Errorf("GET / = %d, body lacks the page title", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if got := closed.Load(); got != 1 {
		t.Errorf("closer ran %d times, want 1", got)
	}
}

func TestApp_RunReportsServeError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()

	a := newApp(t, testConfig(),
		app.WithRegistry(testRegistry(&chatmock.Provider{}, &realtimemock.Provider{})),
		app.WithListener(ln),
	)

	select {
	case err := <-runAsync(a):
		if err == nil {
			t.Fatal("Run() should fail on a closed listener")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}
}

func runAsync(a *app.App) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- a.Run(context.Background()) }()
	return ch
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	var ran atomic.Bool
	a := newApp(t, testConfig(),
		app.WithRegistry(testRegistry(&chatmock.Provider{}, &realtimemock.Provider{})),
		app.WithCloser(func() error { ran.Store(true); return nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() error = %v, want context.Canceled", err)
	}
	if ran.Load() {
		t.Error("closer should be skipped after the deadline")
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	if got, want := reg.Names("chat"), []string{"anyllm", "gemini", "openai"}; !slices.Equal(got, want) {
		t.Errorf("chat providers = %v, want %v", got, want)
	}
	if got, want := reg.Names("realtime"), []string{"gemini"}; !slices.Equal(got, want) {
		t.Errorf("realtime providers = %v, want %v", got, want)
	}

	if _, err := reg.CreateChat(config.ProviderEntry{Name: "gemini"}); err == nil {
		t.Error("gemini chat without an API key should fail")
	}
	if _, err := reg.CreateChat(config.ProviderEntry{Name: "anyllm"}); err == nil {
		t.Error("anyllm without a backend should fail")
	}
	if _, err := reg.CreateChat(config.ProviderEntry{Name: "openai", APIKey: "k", Model: "gpt-4o-mini"}); err != nil {
		t.Errorf("openai chat: %v", err)
	}
	// The realtime key is checked at connect time so the failure reaches
	// the voice UI.
	if _, err := reg.CreateRealtime(config.ProviderEntry{Name: "gemini"}); err != nil {
		t.Errorf("gemini realtime: %v", err)
	}
}
