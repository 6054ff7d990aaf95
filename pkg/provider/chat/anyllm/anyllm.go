// Package anyllm provides a chat provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	p, err := anyllm.New("gemini", "gemini-3-flash-preview", anyllmlib.WithAPIKey(key))
//	p, err := anyllm.NewOllama("llama3")
package anyllm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/rijantuby/rijantuby/pkg/provider/chat"
)

// OpenAI-style role names understood by every any-llm backend.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

var _ chat.Provider = (*Provider)(nil)
var _ chat.Session = (*session)(nil)

// Provider implements chat.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the default model for sessions whose config does not name one.
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey, anyllmlib.WithBaseURL).
// If no API key option is provided, the backend falls back to its environment
// variable (e.g., OPENAI_API_KEY, GEMINI_API_KEY).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// NewGemini creates a Provider backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// NewSession implements chat.Provider.
func (p *Provider) NewSession(_ context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	return &session{backend: p.backend, model: model, system: cfg.SystemInstruction}, nil
}

type session struct {
	backend anyllmlib.Provider
	model   string
	system  string
	history chat.History
}

// SendMessageStream implements chat.Session.
func (s *session) SendMessageStream(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		params := buildParams(s.model, s.system, s.history.Messages(), text)
		chunks, errs := s.backend.CompletionStream(ctx, params)

		var reply strings.Builder
		for chunk := range chunks {
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

		// Check for backend errors after the chunk channel is drained.
		if err := <-errs; err != nil {
			yield("", fmt.Errorf("anyllm: stream: %w", err))
			return
		}
		s.history.Commit(text, reply.String())
	}
}

// buildParams converts the transcript plus the new user message into anyllm
// CompletionParams.
func buildParams(model, system string, history []chat.Message, text string) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: system,
		})
	}
	for _, m := range history {
		messages = append(messages, convertMessage(m))
	}
	messages = append(messages, anyllmlib.Message{Role: roleUser, Content: text})

	return anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}
}

// convertMessage converts a transcript message to anyllm.Message.
func convertMessage(m chat.Message) anyllmlib.Message {
	if m.Role == chat.RoleModel {
		return anyllmlib.Message{Role: roleAssistant, Content: m.Text}
	}
	return anyllmlib.Message{Role: roleUser, Content: m.Text}
}
