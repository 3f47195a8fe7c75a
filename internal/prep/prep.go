// Package prep optionally rewrites extracted text with a language model so
// it reads better aloud. It never fails the pipeline: any problem returns
// the original text.
package prep

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nl2audio/internal/config"
	"nl2audio/internal/openai"
)

const defaultTimeout = 90 * time.Second

const promptTemplate = `Rewrite this newsletter text to be more natural and read-aloud friendly.
Fix formatting, improve sentence flow, and make it sound conversational.
Keep the same content and meaning, just improve readability.

Text to rewrite:
%s`

// Chatter is the chat completion capability.
type Chatter interface {
	Chat(ctx context.Context, req openai.ChatRequest) (string, error)
}

// Overrides are per-invocation settings. Nil fields defer to the
// configuration.
type Overrides struct {
	Enabled         *bool
	Model           *string
	Creativity      *float64
	MaxOutputLength *int
}

// Result is the text to synthesize.
type Result struct {
	Text    string
	Applied bool
	Warning string
}

// Preparer applies the configured rewrite.
type Preparer struct {
	client   Chatter
	settings config.TextPreparation
	logger   *slog.Logger
	timeout  time.Duration
}

// New creates a Preparer. settings are the persisted values, already merged
// with the built-in defaults.
func New(client Chatter, settings config.TextPreparation, logger *slog.Logger) *Preparer {
	return &Preparer{client: client, settings: settings, logger: logger, timeout: defaultTimeout}
}

// Effective merges overrides over the persisted settings.
func (p *Preparer) Effective(o Overrides) config.TextPreparation {
	s := p.settings
	if o.Enabled != nil {
		s.Enabled = *o.Enabled
	}
	if o.Model != nil {
		s.Model = *o.Model
	}
	if o.Creativity != nil {
		s.Creativity = *o.Creativity
	}
	if o.MaxOutputLength != nil {
		s.MaxOutputLength = *o.MaxOutputLength
	}
	return s
}

// Prepare returns the rewritten text when preparation is enabled and
// succeeds, and the original text otherwise.
func (p *Preparer) Prepare(ctx context.Context, text string, o Overrides) Result {
	s := p.Effective(o)
	if !s.Enabled {
		return Result{Text: text}
	}
	if err := config.ValidateTextPreparation(s); err != nil {
		return p.fallback(text, fmt.Errorf("invalid settings: %w", err))
	}
	if p.client == nil {
		return p.fallback(text, fmt.Errorf("no language model client configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.client.Chat(ctx, openai.ChatRequest{
		Model:       s.Model,
		Messages:    []openai.ChatMessage{{Role: "user", Content: fmt.Sprintf(promptTemplate, text)}},
		Temperature: s.Creativity,
		MaxTokens:   s.MaxOutputLength,
	})
	if err != nil {
		return p.fallback(text, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return p.fallback(text, fmt.Errorf("empty response"))
	}

	p.logger.Info("text preparation applied", "model", s.Model, "input_chars", len(text), "output_chars", len(out))
	return Result{Text: out, Applied: true}
}

func (p *Preparer) fallback(text string, err error) Result {
	warning := fmt.Sprintf("text preparation failed, using original text: %v", err)
	p.logger.Warn("text preparation failed, using original text", "error", err)
	return Result{Text: text, Warning: warning}
}
