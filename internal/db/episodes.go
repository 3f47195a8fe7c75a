package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"nl2audio/internal/apperr"
	"nl2audio/internal/models"
)

// ErrNotFound is returned when no episode has the requested ID.
var ErrNotFound = errors.New("episode not found")

const stageStore = "store episode"

var episodeColumns = []string{
	"id", "guid", "title", "source_kind", "source_locator", "content_hash",
	"created_at", "audio_path", "audio_size", "duration_ms",
}

type episodeRow struct {
	ID            string `db:"id"`
	GUID          string `db:"guid"`
	Title         string `db:"title"`
	SourceKind    string `db:"source_kind"`
	SourceLocator string `db:"source_locator"`
	ContentHash   string `db:"content_hash"`
	CreatedAt     int64  `db:"created_at"`
	AudioPath     string `db:"audio_path"`
	AudioSize     int64  `db:"audio_size"`
	DurationMS    int64  `db:"duration_ms"`
}

func (r episodeRow) episode() models.Episode {
	return models.Episode{
		ID:          r.ID,
		GUID:        r.GUID,
		Title:       r.Title,
		Source:      models.SourceDescriptor{Kind: models.SourceKind(r.SourceKind), Locator: r.SourceLocator},
		ContentHash: r.ContentHash,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		AudioPath:   r.AudioPath,
		AudioSize:   r.AudioSize,
		Duration:    time.Duration(r.DurationMS) * time.Millisecond,
	}
}

// Upsert records ep unless an episode with the same ID exists. It reports
// whether a row was created. An existing row with a different content hash
// is a StoreWriteConflict.
func (s *Store) Upsert(ctx context.Context, ep models.Episode) (bool, error) {
	unlock, err := s.writeLock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sb.Select("content_hash").From("episodes").Where(sq.Eq{"id": ep.ID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build lookup: %w", err)
	}
	var existing string
	err = tx.GetContext(ctx, &existing, query, args...)
	switch {
	case err == nil:
		if existing != ep.ContentHash {
			return false, apperr.Newf(apperr.StoreWriteConflict, stageStore, "",
				"episode %s already stored with content hash %s, got %s", ep.ID, existing, ep.ContentHash)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("lookup episode %s: %w", ep.ID, err)
	}

	query, args, err = s.sb.Insert("episodes").Columns(episodeColumns...).Values(
		ep.ID, ep.GUID, ep.Title, string(ep.Source.Kind), ep.Source.Locator, ep.ContentHash,
		ep.CreatedAt.UnixNano(), ep.AudioPath, ep.AudioSize, ep.Duration.Milliseconds(),
	).ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("insert episode %s: %w", ep.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit episode %s: %w", ep.ID, err)
	}
	return true, nil
}

// Get returns the episode with the given ID or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (models.Episode, error) {
	query, args, err := s.sb.Select(episodeColumns...).From("episodes").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.Episode{}, fmt.Errorf("build query: %w", err)
	}
	var row episodeRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Episode{}, ErrNotFound
		}
		return models.Episode{}, fmt.Errorf("get episode %s: %w", id, err)
	}
	return row.episode(), nil
}

// List returns every episode, newest first.
func (s *Store) List(ctx context.Context) ([]models.Episode, error) {
	query, args, err := s.sb.Select(episodeColumns...).From("episodes").OrderBy("created_at DESC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []episodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	episodes := make([]models.Episode, 0, len(rows))
	for _, r := range rows {
		episodes = append(episodes, r.episode())
	}
	return episodes, nil
}

// RepairMetadata updates the title and duration of a stored episode. Empty
// values leave the stored ones untouched.
func (s *Store) RepairMetadata(ctx context.Context, id, title string, duration time.Duration) error {
	update := s.sb.Update("episodes").Where(sq.Eq{"id": id})
	changed := false
	if title != "" {
		update = update.Set("title", title)
		changed = true
	}
	if duration > 0 {
		update = update.Set("duration_ms", duration.Milliseconds())
		changed = true
	}
	if !changed {
		return nil
	}
	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	unlock, err := s.writeLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("repair episode %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
