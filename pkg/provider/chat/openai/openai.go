// Package openai provides a chat provider backed by the OpenAI API or any
// OpenAI-compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/rijantuby/rijantuby/pkg/provider/chat"
)

var _ chat.Provider = (*Provider)(nil)
var _ chat.Session = (*session)(nil)

// Provider implements chat.Provider using the Chat Completions API. The API
// is stateless, so every session keeps its own [chat.History].
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the SDK retries failed requests. Negative
// values keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI chat Provider. model is the default for
// sessions whose config does not name one.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// NewSession implements chat.Provider.
func (p *Provider) NewSession(_ context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	return &session{
		client: p.client,
		model:  model,
		system: cfg.SystemInstruction,
	}, nil
}

type session struct {
	client  oai.Client
	model   string
	system  string
	history chat.History
}

// SendMessageStream implements chat.Session.
func (s *session) SendMessageStream(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params := buildParams(s.model, s.system, s.history.Messages(), text)
		stream := s.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var reply strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			fragment := chunk.Choices[0].Delta.Content
			if fragment == "" {
				continue
			}
			reply.WriteString(fragment)
			if !yield(fragment, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", wrapErr(err))
			return
		}
		s.history.Commit(text, reply.String())
	}
}

// wrapErr tags rate-limit responses with chat.ErrRateLimited.
func wrapErr(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("openai: stream: %w: %w", chat.ErrRateLimited, err)
	}
	return fmt.Errorf("openai: stream: %w", err)
}

// buildParams converts the transcript plus the new user message into SDK
// params.
func buildParams(model, system string, history []chat.Message, text string) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if system != "" {
		messages = append(messages, oai.SystemMessage(system))
	}
	for _, m := range history {
		messages = append(messages, convertMessage(m))
	}
	messages = append(messages, oai.UserMessage(text))

	return oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
}

// convertMessage converts a transcript message to an OpenAI SDK message param.
func convertMessage(m chat.Message) oai.ChatCompletionMessageParamUnion {
	if m.Role == chat.RoleModel {
		return oai.AssistantMessage(m.Text)
	}
	return oai.UserMessage(m.Text)
}
