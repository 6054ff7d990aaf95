// Package gemini provides a chat provider backed by the Gemini API through
// google.golang.org/genai.
//
// Sessions use the SDK's Chats API, which keeps the conversation history on
// the client and replays it with every streamed request.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"google.golang.org/genai"

	"github.com/rijantuby/rijantuby/pkg/provider/chat"
)

var _ chat.Provider = (*Provider)(nil)
var _ chat.Session = (*session)(nil)

// DefaultModel is the chat model used when neither the provider nor the
// session config names one.
const DefaultModel = "gemini-3-flash-preview"

// Provider implements chat.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the default model for new sessions.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API endpoint. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Gemini chat Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client, model: cfg.model}, nil
}

// NewSession implements chat.Provider.
func (p *Provider) NewSession(ctx context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	var gc *genai.GenerateContentConfig
	if cfg.SystemInstruction != "" {
		gc = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser),
		}
	}

	c, err := p.client.Chats.Create(ctx, model, gc, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create chat: %w", err)
	}
	return &session{chat: c}, nil
}

type session struct {
	chat *genai.Chat
}

// SendMessageStream implements chat.Session.
func (s *session) SendMessageStream(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range s.chat.SendMessageStream(ctx, genai.Part{Text: text}) {
			if err != nil {
				yield("", fmt.Errorf("gemini: stream: %w", err))
				return
			}
			fragment := resp.Text()
			if fragment == "" {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}
