// Package web serves the browser front-end: the embedded single-page UI and
// the websocket bridges that connect it to the chat conversation and the
// voice controller.
//
// Each websocket connection owns exactly one conversation or one voice
// controller. The browser renders what the server pushes; it holds no
// conversation state of its own apart from the audio devices, which the
// server drives through the mic_request and audio messages.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/rijantuby/rijantuby/internal/health"
	"github.com/rijantuby/rijantuby/internal/observe"
	chatprovider "github.com/rijantuby/rijantuby/pkg/provider/chat"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

//go:embed static
var staticFiles embed.FS

// Settings are the per-session knobs read when a connection opens. They may
// change between connections when the configuration is reloaded.
type Settings struct {
	ChatInstruction  string
	ChatModel        string
	VoiceInstruction string
	Voice            string

	// CaptureQueueDepth bounds the frames awaiting transmission; zero keeps
	// the pipeline default.
	CaptureQueueDepth int
}

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithSettings sets the function consulted for every new connection.
func WithSettings(fn func() Settings) Option {
	return func(s *Server) { s.settings = fn }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metric instruments recorded by conversations and
// voice sessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts the /healthz and /readyz probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns allows cross-origin websocket upgrades from hosts
// matching the given patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server bridges browser connections to the chat and realtime providers.
type Server struct {
	chat     chatprovider.Provider
	realtime realtime.Provider

	settings       func() Settings
	log            *slog.Logger
	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler
	origins        []string
}

// NewServer creates a Server for the given providers.
func NewServer(chat chatprovider.Provider, rt realtime.Provider, opts ...Option) *Server {
	s := &Server{
		chat:     chat,
		realtime: rt,
		settings: func() Settings { return Settings{} },
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err) // embedded tree is fixed at compile time
	}
	mux.Handle("GET /", http.FileServerFS(static))
	mux.HandleFunc("GET /ws/chat", s.serveChat)
	mux.HandleFunc("GET /ws/voice", s.serveVoice)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
