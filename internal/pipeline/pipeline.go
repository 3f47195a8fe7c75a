// Package pipeline runs one ingestion: resolve, extract, prepare,
// synthesize, store, publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nl2audio/internal/apperr"
	"nl2audio/internal/db"
	"nl2audio/internal/extract"
	"nl2audio/internal/feed"
	"nl2audio/internal/logging"
	"nl2audio/internal/models"
	"nl2audio/internal/prep"
	"nl2audio/internal/source"
	"nl2audio/internal/tts"
)

const (
	partSuffix   = ".part"
	stagePublish = "publish episode"
	stageMail    = "fetch mailbox"
	stageMessage = "read message"
)

// Resolver turns a descriptor into raw content.
type Resolver interface {
	Resolve(ctx context.Context, d models.SourceDescriptor) (source.Content, error)
}

// Preparer rewrites text for listening. It never fails.
type Preparer interface {
	Prepare(ctx context.Context, text string, o prep.Overrides) prep.Result
}

// Synthesizer produces the audio artifact.
type Synthesizer interface {
	CheckToolchain() error
	Estimate(text string) tts.Estimate
	CheckLength(est tts.Estimate) error
	Synthesize(ctx context.Context, text, outPath string) (tts.Audio, error)
}

// Store persists episodes.
type Store interface {
	Upsert(ctx context.Context, ep models.Episode) (bool, error)
	Get(ctx context.Context, id string) (models.Episode, error)
	List(ctx context.Context) ([]models.Episode, error)
	RepairMetadata(ctx context.Context, id, title string, duration time.Duration) error
}

// Prober reads the duration of a finished artifact.
type Prober interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// MailReader lists the messages of a mailbox label.
type MailReader interface {
	FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error)
}

type warner interface {
	Warnings() []string
}

// Deps wires a Pipeline. Mail may be nil when no mailbox is connected.
type Deps struct {
	Resolver    Resolver
	Preparer    Preparer
	Synthesizer Synthesizer
	Store       Store
	Mail        MailReader
	Prober      Prober
	Channel     feed.Channel
	OutputDir   string
	EpisodesDir string
	Logger      *slog.Logger
	Now         func() time.Time
}

type Pipeline struct {
	d Deps
}

func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return &Pipeline{d: d}
}

// AddRequest is one explicit source to ingest.
type AddRequest struct {
	Source models.SourceDescriptor
	Title  string
	Prep   prep.Overrides
	DryRun bool
}

// AddResult describes what an ingestion did. Estimate is set for dry runs.
type AddResult struct {
	Episode  models.Episode
	Created  bool
	Estimate *tts.Estimate
	Prepared bool
	Warnings []string
}

// Failure is one message that could not become an episode.
type Failure struct {
	MessageID string
	Subject   string
	Stage     string
	Err       error
}

// RunSummary reports a mailbox run.
type RunSummary struct {
	Added    []models.Episode
	Skipped  int
	Failures []Failure
	Warnings []string
}

// Add ingests one source and republishes the feed when an episode was
// created.
func (p *Pipeline) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	content, err := p.d.Resolver.Resolve(ctx, req.Source)
	if err != nil {
		return AddResult{}, err
	}
	res, err := p.ingest(ctx, content, req.Title, req.Prep, req.DryRun)
	if err != nil {
		return res, err
	}
	if res.Created {
		if _, err := p.RegenerateFeed(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// FetchMailbox ingests up to limit messages of label. A failing message is
// recorded in the summary and the run continues. Only problems that affect
// every message (mailbox access, missing toolchain, cancellation) stop it.
func (p *Pipeline) FetchMailbox(ctx context.Context, label string, limit int, o prep.Overrides) (RunSummary, error) {
	var sum RunSummary
	if p.d.Mail == nil {
		return sum, apperr.Newf(apperr.NotConnected, stageMail, "run `nl2audio connect-gmail` or set GMAIL_APP_PASSWORD", "no mailbox configured")
	}
	if err := p.d.Synthesizer.CheckToolchain(); err != nil {
		return sum, err
	}

	msgs, err := p.d.Mail.FetchMessages(ctx, label, limit)
	if w, ok := p.d.Mail.(warner); ok {
		sum.Warnings = append(sum.Warnings, w.Warnings()...)
	}
	if err != nil {
		return sum, err
	}
	p.d.Logger.Info("mailbox fetched", "label", label, "messages", len(msgs))

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("mailbox run interrupted: %w", err)
		}
		if msg.Err != nil {
			p.d.Logger.Warn("message failed", "id", msg.ID, "subject", msg.Subject, "stage", stageMessage, "error", msg.Err)
			sum.Failures = append(sum.Failures, Failure{MessageID: msg.ID, Subject: msg.Subject, Stage: stageMessage, Err: msg.Err})
			continue
		}
		res, err := p.ingest(ctx, source.FromMessage(msg), "", o, false)
		sum.Warnings = append(sum.Warnings, res.Warnings...)
		switch {
		case err == nil && res.Created:
			sum.Added = append(sum.Added, res.Episode)
		case err == nil:
			sum.Skipped++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperr.ErrToolchainUnavailable):
			return sum, err
		default:
			stage := apperr.StageOf(err)
			if stage == "" {
				stage = stagePublish
			}
			p.d.Logger.Warn("message failed", "id", msg.ID, "subject", msg.Subject, "stage", stage, "error", err)
			sum.Failures = append(sum.Failures, Failure{MessageID: msg.ID, Subject: msg.Subject, Stage: stage, Err: err})
		}
	}

	if len(sum.Added) > 0 {
		if _, err := p.RegenerateFeed(ctx); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// RegenerateFeed renders every stored episode into feed.xml.
func (p *Pipeline) RegenerateFeed(ctx context.Context) (string, error) {
	episodes, err := p.d.Store.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list episodes: %w", err)
	}
	data, err := feed.Generate(p.d.Channel, episodes)
	if err != nil {
		return "", fmt.Errorf("generate feed: %w", err)
	}
	path, err := feed.WriteFile(p.d.OutputDir, data)
	if err != nil {
		return "", err
	}
	p.d.Logger.Info("feed written", "path", path, "episodes", len(episodes))
	return path, nil
}

// Repair fixes the title or duration of a published episode and republishes
// the feed. id may be any unambiguous prefix of an episode id. With reprobe
// the duration is read again from the artifact.
func (p *Pipeline) Repair(ctx context.Context, id, title string, reprobe bool) (models.Episode, error) {
	ep, err := p.lookup(ctx, id)
	if err != nil {
		return models.Episode{}, err
	}
	title = strings.TrimSpace(title)
	var duration time.Duration
	if reprobe {
		if p.d.Prober == nil {
			return ep, errors.New("no audio prober configured")
		}
		duration, err = p.d.Prober.Probe(ctx, filepath.Join(p.d.EpisodesDir, ep.AudioPath))
		if err != nil {
			return ep, err
		}
	}
	if title == "" && duration <= 0 {
		return ep, errors.New("nothing to repair: give a new title or re-probe the audio")
	}
	if err := p.d.Store.RepairMetadata(ctx, ep.ID, title, duration); err != nil {
		return ep, err
	}
	repaired, err := p.d.Store.Get(ctx, ep.ID)
	if err != nil {
		return ep, fmt.Errorf("reload episode %s: %w", ep.ID, err)
	}
	p.d.Logger.Info("episode repaired", "episode", ep.ID, "title", repaired.Title, "duration", repaired.Duration.Round(time.Second))
	if _, err := p.RegenerateFeed(ctx); err != nil {
		return repaired, err
	}
	return repaired, nil
}

func (p *Pipeline) lookup(ctx context.Context, id string) (models.Episode, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Episode{}, errors.New("episode id is required")
	}
	ep, err := p.d.Store.Get(ctx, id)
	if err == nil || !errors.Is(err, db.ErrNotFound) {
		return ep, err
	}
	episodes, err := p.d.Store.List(ctx)
	if err != nil {
		return models.Episode{}, fmt.Errorf("list episodes: %w", err)
	}
	var matches []models.Episode
	for _, e := range episodes {
		if strings.HasPrefix(e.ID, id) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return models.Episode{}, fmt.Errorf("episode %q: %w", id, db.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return models.Episode{}, fmt.Errorf("episode id %q matches %d episodes, use more characters", id, len(matches))
	}
}

func (p *Pipeline) ingest(ctx context.Context, content source.Content, title string, o prep.Overrides, dryRun bool) (AddResult, error) {
	doc, err := extract.Extract(content, title)
	if err != nil {
		return AddResult{}, err
	}
	id := models.EpisodeID(content.Source.Locator, doc.ContentHash)
	logger := p.d.Logger.With("episode", id, "source", content.Source.String())

	if !dryRun {
		existing, err := p.d.Store.Get(ctx, id)
		if err == nil {
			logger.Info("episode already published")
			return AddResult{Episode: existing}, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return AddResult{}, fmt.Errorf("look up episode %s: %w", id, err)
		}
		// Fail before the chat and speech calls are paid for.
		if err := p.d.Synthesizer.CheckToolchain(); err != nil {
			return AddResult{}, err
		}
	}

	prepared := prep.Result{Text: doc.Text}
	if p.d.Preparer != nil {
		prepared = p.d.Preparer.Prepare(ctx, doc.Text, o)
	}
	res := AddResult{Prepared: prepared.Applied}
	if prepared.Warning != "" {
		res.Warnings = append(res.Warnings, prepared.Warning)
	}

	est := p.d.Synthesizer.Estimate(prepared.Text)
	if dryRun {
		res.Estimate = &est
		res.Episode = models.Episode{ID: id, GUID: models.EpisodeGUID(id), Title: doc.Title, Source: content.Source, ContentHash: doc.ContentHash}
		return res, nil
	}
	if err := p.d.Synthesizer.CheckLength(est); err != nil {
		return res, err
	}

	if err := os.MkdirAll(p.d.EpisodesDir, 0o755); err != nil {
		return res, fmt.Errorf("create episodes dir: %w", err)
	}
	name := models.ArtifactName(id)
	final := filepath.Join(p.d.EpisodesDir, name)
	part := final + partSuffix
	defer os.Remove(part)

	audio, err := p.d.Synthesizer.Synthesize(ctx, prepared.Text, part)
	if err != nil {
		return res, err
	}
	if err := os.Rename(part, final); err != nil {
		return res, fmt.Errorf("publish artifact: %w", err)
	}

	ep := models.Episode{
		ID:          id,
		GUID:        models.EpisodeGUID(id),
		Title:       doc.Title,
		Source:      content.Source,
		ContentHash: doc.ContentHash,
		CreatedAt:   p.d.Now().UTC(),
		AudioPath:   name,
		AudioSize:   audio.Size,
		Duration:    audio.Duration,
	}
	created, err := p.d.Store.Upsert(ctx, ep)
	if err != nil {
		os.Remove(final)
		return res, err
	}
	logger.Info("episode published", "title", ep.Title, "duration", ep.Duration.Round(time.Second), "bytes", ep.AudioSize, "created", created)
	res.Episode = ep
	res.Created = created
	return res, nil
}
