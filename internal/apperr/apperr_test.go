package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("add episode: %w", New(SynthesisFailed, "synthesize", errors.New("empty audio"), ""))

	assert.True(t, errors.Is(err, ErrSynthesisFailed))
	assert.False(t, errors.Is(err, ErrToolchainUnavailable))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, SynthesisFailed, kind)
	assert.Equal(t, "synthesize", StageOf(err))
}

func TestErrorMessageNamesStageAndHint(t *testing.T) {
	err := New(AuthenticationFailed, "mail connect", errors.New("no OAuth credentials found"), "run `nl2audio connect-gmail`")

	assert.Equal(t, "mail connect: authentication failed: no OAuth credentials found (run `nl2audio connect-gmail`)", err.Error())
	assert.Equal(t, "run `nl2audio connect-gmail`", HintOf(err))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(SourceUnavailable, "resolve", cause, "")

	assert.ErrorIs(t, err, cause)
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
