// Package apperr defines the failure taxonomy shared by the ingestion
// pipeline. Every fatal error names the stage that failed and, where one
// exists, the corrective action.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	SourceUnavailable    Kind = "source unavailable"
	SourceAmbiguous      Kind = "source ambiguous"
	ExtractionFailed     Kind = "extraction failed"
	AuthenticationFailed Kind = "authentication failed"
	NotConnected         Kind = "not connected"
	SynthesisFailed      Kind = "synthesis failed"
	ToolchainUnavailable Kind = "toolchain unavailable"
	StoreWriteConflict   Kind = "store write conflict"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrSourceUnavailable    = &Error{Kind: SourceUnavailable}
	ErrSourceAmbiguous      = &Error{Kind: SourceAmbiguous}
	ErrExtractionFailed     = &Error{Kind: ExtractionFailed}
	ErrAuthenticationFailed = &Error{Kind: AuthenticationFailed}
	ErrNotConnected         = &Error{Kind: NotConnected}
	ErrSynthesisFailed      = &Error{Kind: SynthesisFailed}
	ErrToolchainUnavailable = &Error{Kind: ToolchainUnavailable}
	ErrStoreWriteConflict   = &Error{Kind: StoreWriteConflict}
)

// Error is a classified pipeline failure.
type Error struct {
	Kind  Kind
	Stage string
	Hint  string
	Err   error
}

// New builds a classified error.
func New(kind Kind, stage string, err error, hint string) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err, Hint: hint}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, stage, hint, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Hint: hint, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Hint != "" {
		b.WriteString(" (")
		b.WriteString(e.Hint)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Stage == "" && t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// StageOf returns the stage of the first classified error in the chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// HintOf returns the corrective action attached to err, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}
