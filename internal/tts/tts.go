// Package tts turns prepared text into a finished MP3 episode.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"nl2audio/internal/apperr"
	"nl2audio/internal/openai"
)

const (
	WordsPerMinute = 150
	// USD per 1K characters for gpt-4o-mini-tts.
	PricePer1KChars = 0.00015

	stageSynthesize = "synthesize audio"
	previewChars    = 200
)

// Speaker is the text to speech capability.
type Speaker interface {
	Speech(ctx context.Context, req openai.SpeechRequest) ([]byte, error)
}

// Encoder is the local audio toolchain.
type Encoder interface {
	Check() error
	Encode(ctx context.Context, inputs []string, outPath, bitrate string) error
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// Options configure synthesis.
type Options struct {
	Voice      string
	Model      string
	Bitrate    string
	MaxMinutes int
	// Speech requests per second.
	RequestRate float64
}

// Estimate describes a synthesis run without performing it.
type Estimate struct {
	Characters int
	Words      int
	Chunks     int
	Minutes    float64
	CostUSD    float64
	Model      string
	Voice      string
	Preview    string
}

// Audio is a finished artifact.
type Audio struct {
	Path     string
	Size     int64
	Duration time.Duration
}

// Synthesizer chunks text, requests speech for every chunk and encodes the
// result.
type Synthesizer struct {
	speaker Speaker
	encoder Encoder
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Synthesizer.
func New(speaker Speaker, encoder Encoder, opts Options, logger *slog.Logger) *Synthesizer {
	if opts.RequestRate <= 0 {
		opts.RequestRate = 5
	}
	return &Synthesizer{
		speaker: speaker,
		encoder: encoder,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestRate), 1),
		logger:  logger,
	}
}

// CheckToolchain reports ToolchainUnavailable before any paid call is made.
func (s *Synthesizer) CheckToolchain() error {
	return s.encoder.Check()
}

// Estimate computes size, duration and cost of synthesizing text.
func (s *Synthesizer) Estimate(text string) Estimate {
	cleaned := CleanText(text)
	chars := utf8.RuneCountInString(cleaned)
	words := len(strings.Fields(cleaned))
	preview := cleaned
	if chars > previewChars {
		preview = string([]rune(cleaned)[:previewChars]) + "..."
	}
	return Estimate{
		Characters: chars,
		Words:      words,
		Chunks:     len(Chunk(cleaned, MaxChunkChars)),
		Minutes:    round(float64(words)/WordsPerMinute, 1),
		CostUSD:    round(float64(chars)/1000*PricePer1KChars, 4),
		Model:      s.opts.Model,
		Voice:      s.opts.Voice,
		Preview:    preview,
	}
}

// CheckLength rejects text whose estimated narration exceeds MaxMinutes.
func (s *Synthesizer) CheckLength(est Estimate) error {
	if s.opts.MaxMinutes > 0 && est.Minutes > float64(s.opts.MaxMinutes) {
		return apperr.Newf(apperr.SynthesisFailed, stageSynthesize,
			"raise max_minutes or shorten the source",
			"estimated %.1f minutes exceeds the %d minute limit", est.Minutes, s.opts.MaxMinutes)
	}
	return nil
}

// Synthesize writes the narrated text to outPath. Nothing is left at
// outPath when it fails.
func (s *Synthesizer) Synthesize(ctx context.Context, text, outPath string) (audio Audio, err error) {
	if err := s.CheckLength(s.Estimate(text)); err != nil {
		return Audio{}, err
	}
	chunks := Chunk(text, MaxChunkChars)
	if len(chunks) == 0 {
		return Audio{}, apperr.Newf(apperr.SynthesisFailed, stageSynthesize, "", "nothing to narrate")
	}

	workDir, err := os.MkdirTemp(filepath.Dir(outPath), ".segments-*")
	if err != nil {
		return Audio{}, apperr.New(apperr.SynthesisFailed, stageSynthesize, fmt.Errorf("create work dir: %w", err), "")
	}
	defer os.RemoveAll(workDir)
	defer func() {
		if err != nil {
			os.Remove(outPath)
		}
	}()

	s.logger.Info("synthesizing", "chunks", len(chunks), "voice", s.opts.Voice, "model", s.opts.Model)
	segments := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := s.limiter.Wait(ctx); err != nil {
			return Audio{}, fmt.Errorf("synthesize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		data, err := s.speaker.Speech(ctx, openai.SpeechRequest{Model: s.opts.Model, Voice: s.opts.Voice, Input: chunk})
		if err != nil {
			return Audio{}, apperr.New(apperr.SynthesisFailed, stageSynthesize,
				fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err), "check OPENAI_API_KEY and your quota")
		}
		if len(data) == 0 {
			return Audio{}, apperr.Newf(apperr.SynthesisFailed, stageSynthesize, "", "chunk %d/%d: empty audio", i+1, len(chunks))
		}
		segment := filepath.Join(workDir, fmt.Sprintf("%04d.mp3", i))
		if err := os.WriteFile(segment, data, 0o600); err != nil {
			return Audio{}, apperr.New(apperr.SynthesisFailed, stageSynthesize, fmt.Errorf("write segment: %w", err), "")
		}
		segments = append(segments, segment)
		s.logger.Debug("chunk synthesized", "chunk", i+1, "chars", utf8.RuneCountInString(chunk), "bytes", len(data))
	}

	if err := s.encoder.Encode(ctx, segments, outPath, s.opts.Bitrate); err != nil {
		return Audio{}, err
	}
	duration, err := s.encoder.Probe(ctx, outPath)
	if err != nil {
		return Audio{}, apperr.New(apperr.SynthesisFailed, stageSynthesize, err, "")
	}
	if s.opts.MaxMinutes > 0 && duration > time.Duration(s.opts.MaxMinutes)*time.Minute {
		return Audio{}, apperr.Newf(apperr.SynthesisFailed, stageSynthesize, "raise max_minutes",
			"audio length %s exceeds the %d minute limit", duration.Round(time.Second), s.opts.MaxMinutes)
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return Audio{}, apperr.New(apperr.SynthesisFailed, stageSynthesize, fmt.Errorf("stat output: %w", err), "")
	}
	if info.Size() == 0 {
		return Audio{}, apperr.Newf(apperr.SynthesisFailed, stageSynthesize, "", "encoder produced an empty file")
	}

	return Audio{Path: outPath, Size: info.Size(), Duration: duration}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
