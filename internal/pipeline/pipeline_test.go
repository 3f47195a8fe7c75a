package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nl2audio/internal/apperr"
	"nl2audio/internal/db"
	"nl2audio/internal/feed"
	"nl2audio/internal/models"
	"nl2audio/internal/prep"
	"nl2audio/internal/source"
	"nl2audio/internal/tts"
)

const article = "<html><head><title>Deep Sea Cables</title></head><body>" +
	"<p>Most of the internet crosses the ocean floor inside cables no thicker than a garden hose.</p>" +
	"<p>Repair ships still splice them by hand.</p></body></html>"

type fakeResolver struct {
	content map[string]source.Content
}

func (r *fakeResolver) Resolve(ctx context.Context, d models.SourceDescriptor) (source.Content, error) {
	c, ok := r.content[d.Locator]
	if !ok {
		return source.Content{}, apperr.Newf(apperr.SourceUnavailable, "resolve source", "", "no such source %s", d)
	}
	c.Source = d
	return c, nil
}

type fakeSynth struct {
	mu           sync.Mutex
	calls        int
	toolchainErr error
	failOn       string
	lengthErr    error
	sawParts     []string
}

func (s *fakeSynth) CheckToolchain() error { return s.toolchainErr }

func (s *fakeSynth) Estimate(text string) tts.Estimate {
	return tts.Estimate{Characters: len(text), Words: len(strings.Fields(text)), Chunks: 1, Minutes: 0.1}
}

func (s *fakeSynth) CheckLength(tts.Estimate) error { return s.lengthErr }

func (s *fakeSynth) Synthesize(ctx context.Context, text, outPath string) (tts.Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.sawParts = append(s.sawParts, outPath)
	if s.failOn != "" && strings.Contains(text, s.failOn) {
		return tts.Audio{}, apperr.Newf(apperr.SynthesisFailed, "synthesize audio", "", "empty audio")
	}
	data := []byte("ID3 fake mp3 " + text)
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		return tts.Audio{}, err
	}
	return tts.Audio{Path: outPath, Size: int64(len(data)), Duration: 90 * time.Second}, nil
}

type fakePreparer struct {
	warning string
	calls   int
}

func (p *fakePreparer) Prepare(ctx context.Context, text string, o prep.Overrides) prep.Result {
	p.calls++
	return prep.Result{Text: text, Warning: p.warning}
}

type fakeMail struct {
	msgs     []models.MailboxMessage
	err      error
	warnings []string
}

func (m *fakeMail) FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error) {
	return m.msgs, m.err
}

func (m *fakeMail) Warnings() []string { return m.warnings }

type fakeProber struct {
	duration time.Duration
	paths    []string
}

func (p *fakeProber) Probe(ctx context.Context, path string) (time.Duration, error) {
	p.paths = append(p.paths, path)
	return p.duration, nil
}

type fixture struct {
	dir      string
	store    *db.Store
	synth    *fakeSynth
	preparer *fakePreparer
	resolver *fakeResolver
	mail     *fakeMail
	prober   *fakeProber
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(t.Context(), db.DriverSQLite, filepath.Join(dir, "db.sqlite"), filepath.Join(dir, ".store.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		dir:      dir,
		store:    store,
		synth:    &fakeSynth{},
		preparer: &fakePreparer{},
		resolver: &fakeResolver{content: map[string]source.Content{
			"https://example.com/cables": {ContentType: source.ContentHTML, HTML: article},
		}},
		mail:   &fakeMail{},
		prober: &fakeProber{duration: 3 * time.Minute},
	}
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	f.pipeline = New(Deps{
		Resolver:    f.resolver,
		Preparer:    f.preparer,
		Synthesizer: f.synth,
		Store:       store,
		Mail:        f.mail,
		Prober:      f.prober,
		Channel:     feed.Channel{Title: "My Newsletters", SiteURL: "http://127.0.0.1:8080"},
		OutputDir:   dir,
		EpisodesDir: filepath.Join(dir, "episodes"),
		Now: func() time.Time {
			now = now.Add(time.Minute)
			return now
		},
	})
	return f
}

func urlSource(u string) models.SourceDescriptor {
	return models.SourceDescriptor{Kind: models.SourceURL, Locator: u}
}

func TestAddPublishesEpisodeAndFeed(t *testing.T) {
	f := newFixture(t)

	res, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/cables")})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "Deep Sea Cables", res.Episode.Title)
	assert.Equal(t, res.Episode.ID+".mp3", res.Episode.AudioPath)

	artifact := filepath.Join(f.dir, "episodes", res.Episode.AudioPath)
	assert.FileExists(t, artifact)
	assert.NoFileExists(t, artifact+".part")
	require.Len(t, f.synth.sawParts, 1)
	assert.True(t, strings.HasSuffix(f.synth.sawParts[0], ".mp3.part"))

	raw, err := os.ReadFile(filepath.Join(f.dir, feed.FileName))
	require.NoError(t, err)
	parsed, err := gofeed.NewParser().ParseString(string(raw))
	require.NoError(t, err)
	require.Len(t, parsed.Items, 1)
	assert.Equal(t, "Deep Sea Cables", parsed.Items[0].Title)
}

func TestAddIsIdempotent(t *testing.T) {
	f := newFixture(t)
	req := AddRequest{Source: urlSource("https://example.com/cables")}

	first, err := f.pipeline.Add(t.Context(), req)
	require.NoError(t, err)
	second, err := f.pipeline.Add(t.Context(), req)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Episode.ID, second.Episode.ID)
	assert.Equal(t, 1, f.synth.calls)
	assert.Equal(t, 1, f.preparer.calls)

	episodes, err := f.store.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, episodes, 1)
}

func TestAddChangedContentCreatesNewEpisode(t *testing.T) {
	f := newFixture(t)
	req := AddRequest{Source: urlSource("https://example.com/cables")}

	first, err := f.pipeline.Add(t.Context(), req)
	require.NoError(t, err)

	f.resolver.content["https://example.com/cables"] = source.Content{
		ContentType: source.ContentHTML,
		HTML:        strings.Replace(article, "Repair ships still splice them by hand.", "Repair ships now splice them with robots.", 1),
	}
	second, err := f.pipeline.Add(t.Context(), req)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Episode.ID, second.Episode.ID)
	assert.NotEqual(t, first.Episode.GUID, second.Episode.GUID)
	assert.Equal(t, first.Episode.Source, second.Episode.Source)

	episodes, err := f.store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.ElementsMatch(t, []string{first.Episode.ID, second.Episode.ID}, []string{episodes[0].ID, episodes[1].ID})
	assert.Equal(t, 2, f.synth.calls)
}

func TestAddDryRunSpendsNothing(t *testing.T) {
	f := newFixture(t)

	res, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/cables"), DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, res.Estimate)
	assert.Positive(t, res.Estimate.Words)
	assert.False(t, res.Created)
	assert.Zero(t, f.synth.calls)
	assert.NoFileExists(t, filepath.Join(f.dir, feed.FileName))
}

func TestAddMissingToolchainFailsBeforePaidCalls(t *testing.T) {
	f := newFixture(t)
	f.synth.toolchainErr = apperr.Newf(apperr.ToolchainUnavailable, "check toolchain", "install ffmpeg", "ffmpeg not found")

	_, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/cables")})
	assert.ErrorIs(t, err, apperr.ErrToolchainUnavailable)
	assert.Zero(t, f.preparer.calls)
	assert.Zero(t, f.synth.calls)
}

func TestAddSynthesisFailureLeavesNoEpisode(t *testing.T) {
	f := newFixture(t)
	f.synth.failOn = "garden hose"

	_, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/cables")})
	assert.ErrorIs(t, err, apperr.ErrSynthesisFailed)

	entries, err := os.ReadDir(filepath.Join(f.dir, "episodes"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	episodes, err := f.store.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, episodes)
}

func TestAddSurfacesPrepWarning(t *testing.T) {
	f := newFixture(t)
	f.preparer.warning = "text preparation skipped: quota exceeded"

	res, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/cables")})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, []string{"text preparation skipped: quota exceeded"}, res.Warnings)
}

func TestAddUnknownSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/missing")})
	assert.ErrorIs(t, err, apperr.ErrSourceUnavailable)
}

func message(id, subject, body string) models.MailboxMessage {
	return models.MailboxMessage{
		ID:         id,
		Label:      "Newsletters",
		Subject:    subject,
		HTML:       "<p>" + body + "</p>",
		ReceivedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchMailboxIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.synth.failOn = "poison"
	f.mail.warnings = []string{"OAuth unavailable; using the app password"}
	f.mail.msgs = []models.MailboxMessage{
		message("m1", "Monday digest", "A long enough letter about monday markets and their moods."),
		message("m2", "Broken", "This letter contains the poison word and cannot be narrated."),
		message("m3", "Tiny", "short"),
		message("m4", "Thursday digest", "A long enough letter about thursday weather and the tides."),
	}

	sum, err := f.pipeline.FetchMailbox(t.Context(), "Newsletters", 10, prep.Overrides{})
	require.NoError(t, err)

	assert.Len(t, sum.Added, 2)
	assert.Zero(t, sum.Skipped)
	require.Len(t, sum.Failures, 2)
	assert.Equal(t, "m2", sum.Failures[0].MessageID)
	assert.Equal(t, "Broken", sum.Failures[0].Subject)
	assert.Equal(t, "synthesize audio", sum.Failures[0].Stage)
	assert.Equal(t, "m3", sum.Failures[1].MessageID)
	assert.ErrorIs(t, sum.Failures[1].Err, apperr.ErrExtractionFailed)
	assert.Contains(t, sum.Warnings, "OAuth unavailable; using the app password")

	for _, ep := range sum.Added {
		assert.Equal(t, models.SourceMailbox, ep.Source.Kind)
	}
	assert.FileExists(t, filepath.Join(f.dir, feed.FileName))

	again, err := f.pipeline.FetchMailbox(t.Context(), "Newsletters", 10, prep.Overrides{})
	require.NoError(t, err)
	assert.Empty(t, again.Added)
	assert.Equal(t, 2, again.Skipped)
}

func TestFetchMailboxReportsUnreadableMessages(t *testing.T) {
	f := newFixture(t)
	unreadable := models.MailboxMessage{ID: "m2", Label: "Newsletters", Subject: "No Subject", Err: errors.New("server returned no body")}
	f.mail.msgs = []models.MailboxMessage{
		message("m1", "Monday digest", "A long enough letter about monday markets and their moods."),
		unreadable,
	}

	sum, err := f.pipeline.FetchMailbox(t.Context(), "Newsletters", 10, prep.Overrides{})
	require.NoError(t, err)
	assert.Len(t, sum.Added, 1)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "m2", sum.Failures[0].MessageID)
	assert.Equal(t, "read message", sum.Failures[0].Stage)
	assert.EqualError(t, sum.Failures[0].Err, "server returned no body")
	assert.Equal(t, 1, f.synth.calls)
}

func TestFetchMailboxStopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	f.mail.msgs = []models.MailboxMessage{
		message("m1", "Monday digest", "A long enough letter about monday markets and their moods."),
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	sum, err := f.pipeline.FetchMailbox(ctx, "Newsletters", 10, prep.Overrides{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sum.Added)
	assert.Zero(t, f.synth.calls)
}

func TestFetchMailboxAccessErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.mail.err = apperr.New(apperr.NotConnected, "mail read", errors.New("mailbox is degraded"), "")

	_, err := f.pipeline.FetchMailbox(t.Context(), "Newsletters", 10, prep.Overrides{})
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
}

func TestFetchMailboxWithoutMail(t *testing.T) {
	f := newFixture(t)
	p := New(Deps{Synthesizer: f.synth, Store: f.store})

	_, err := p.FetchMailbox(t.Context(), "Newsletters", 10, prep.Overrides{})
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
}

func TestRepairUpdatesMetadataByPrefix(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/cables")})
	require.NoError(t, err)

	repaired, err := f.pipeline.Repair(t.Context(), res.Episode.ID[:8], "Cables Under the Sea", true)
	require.NoError(t, err)
	assert.Equal(t, res.Episode.ID, repaired.ID)
	assert.Equal(t, "Cables Under the Sea", repaired.Title)
	assert.Equal(t, 3*time.Minute, repaired.Duration)
	assert.Equal(t, []string{filepath.Join(f.dir, "episodes", res.Episode.AudioPath)}, f.prober.paths)

	raw, err := os.ReadFile(filepath.Join(f.dir, feed.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Cables Under the Sea")
}

func TestRepairRejectsUnknownAndEmpty(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.Add(t.Context(), AddRequest{Source: urlSource("https://example.com/cables")})
	require.NoError(t, err)

	_, err = f.pipeline.Repair(t.Context(), "ffffffff", "x", false)
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = f.pipeline.Repair(t.Context(), res.Episode.ID, "  ", false)
	assert.Error(t, err)
	assert.Empty(t, f.prober.paths)
}
