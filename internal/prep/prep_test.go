package prep

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nl2audio/internal/config"
	"nl2audio/internal/logging"
	"nl2audio/internal/openai"
)

type fakeChat struct {
	reply string
	err   error
	got   []openai.ChatRequest
}

func (f *fakeChat) Chat(ctx context.Context, req openai.ChatRequest) (string, error) {
	f.got = append(f.got, req)
	return f.reply, f.err
}

func settings(enabled bool) config.TextPreparation {
	s := config.Default().TextPreparation
	s.Enabled = enabled
	return s
}

func TestDisabledPassesThrough(t *testing.T) {
	chat := &fakeChat{reply: "rewritten"}
	p := New(chat, settings(false), logging.Discard())

	res := p.Prepare(context.Background(), "original", Overrides{})
	assert.Equal(t, Result{Text: "original"}, res)
	assert.Empty(t, chat.got)
}

func TestEnabledRewrites(t *testing.T) {
	chat := &fakeChat{reply: " rewritten "}
	p := New(chat, settings(true), logging.Discard())

	res := p.Prepare(context.Background(), "original", Overrides{})
	assert.True(t, res.Applied)
	assert.Equal(t, "rewritten", res.Text)
	require.Len(t, chat.got, 1)
	assert.Equal(t, "gpt-3.5-turbo", chat.got[0].Model)
	assert.InDelta(t, 0.3, chat.got[0].Temperature, 1e-9)
	assert.Equal(t, 2000, chat.got[0].MaxTokens)
	assert.Contains(t, chat.got[0].Messages[0].Content, "original")
}

func TestOverridesTakePrecedence(t *testing.T) {
	chat := &fakeChat{reply: "rewritten"}
	p := New(chat, settings(false), logging.Discard())

	enabled := true
	model := "gpt-4o-mini"
	creativity := 1.2
	maxLen := 800
	res := p.Prepare(context.Background(), "original", Overrides{Enabled: &enabled, Model: &model, Creativity: &creativity, MaxOutputLength: &maxLen})

	assert.True(t, res.Applied)
	require.Len(t, chat.got, 1)
	assert.Equal(t, "gpt-4o-mini", chat.got[0].Model)
	assert.InDelta(t, 1.2, chat.got[0].Temperature, 1e-9)
	assert.Equal(t, 800, chat.got[0].MaxTokens)
}

func TestDisableOverrideWinsOverConfig(t *testing.T) {
	chat := &fakeChat{reply: "rewritten"}
	p := New(chat, settings(true), logging.Discard())

	disabled := false
	res := p.Prepare(context.Background(), "original", Overrides{Enabled: &disabled})
	assert.False(t, res.Applied)
	assert.Empty(t, chat.got)
}

func TestFailuresFallBackToOriginal(t *testing.T) {
	cases := map[string]*fakeChat{
		"api error":      {err: errors.New("quota exceeded")},
		"empty response": {reply: "   "},
		"missing key":    {err: openai.ErrMissingAPIKey},
	}
	for name, chat := range cases {
		t.Run(name, func(t *testing.T) {
			p := New(chat, settings(true), logging.Discard())
			res := p.Prepare(context.Background(), "original", Overrides{})
			assert.Equal(t, "original", res.Text)
			assert.False(t, res.Applied)
			assert.NotEmpty(t, res.Warning)
		})
	}
}

func TestInvalidOverrideFallsBack(t *testing.T) {
	chat := &fakeChat{reply: "rewritten"}
	p := New(chat, settings(true), logging.Discard())

	tooHot := 3.0
	res := p.Prepare(context.Background(), "original", Overrides{Creativity: &tooHot})
	assert.Equal(t, "original", res.Text)
	assert.Contains(t, res.Warning, "creativity")
	assert.Empty(t, chat.got)
}
