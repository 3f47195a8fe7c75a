package feed

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nl2audio/internal/models"
)

func episode(locator, text string, created time.Time) models.Episode {
	hash := models.ContentHash(text)
	id := models.EpisodeID(locator, hash)
	return models.Episode{
		ID:          id,
		GUID:        models.EpisodeGUID(id),
		Title:       "Episode " + text,
		Source:      models.SourceDescriptor{Kind: models.SourceURL, Locator: locator},
		ContentHash: hash,
		CreatedAt:   created,
		AudioPath:   models.ArtifactName(id),
		AudioSize:   4096,
		Duration:    2*time.Minute + 5*time.Second,
	}
}

func channel() Channel {
	return Channel{Title: "My Newsletters", Description: "Read aloud", Author: "me", SiteURL: "http://127.0.0.1:8080/"}
}

func TestGenerateIsDeterministic(t *testing.T) {
	eps := []models.Episode{
		episode("https://example.com/b", "b", time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)),
		episode("https://example.com/a", "a", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
	}

	first, err := Generate(channel(), eps)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	second, err := Generate(channel(), eps)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first, second))
}

func TestGenerateItems(t *testing.T) {
	ep := episode("https://example.com/a", "a", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	data, err := Generate(channel(), []models.Episode{ep})
	require.NoError(t, err)

	parsed, err := gofeed.NewParser().ParseString(string(data))
	require.NoError(t, err)

	assert.Equal(t, "My Newsletters", parsed.Title)
	require.Len(t, parsed.Items, 1)
	item := parsed.Items[0]
	assert.Equal(t, "Episode a", item.Title)
	assert.Equal(t, ep.GUID, item.GUID)
	require.Len(t, item.Enclosures, 1)
	assert.Equal(t, "http://127.0.0.1:8080/episodes/"+ep.ID+".mp3", item.Enclosures[0].URL)
	assert.Equal(t, "4096", item.Enclosures[0].Length)
	assert.Equal(t, "audio/mpeg", item.Enclosures[0].Type)
	require.NotNil(t, item.PublishedParsed)
	assert.True(t, item.PublishedParsed.Equal(ep.CreatedAt))
	require.NotNil(t, item.ITunesExt)
	assert.NotEmpty(t, item.ITunesExt.Duration)
}

func TestGenerateEmptyUsesEpoch(t *testing.T) {
	data, err := Generate(channel(), nil)
	require.NoError(t, err)

	parsed, err := gofeed.NewParser().ParseString(string(data))
	require.NoError(t, err)
	assert.Empty(t, parsed.Items)
	require.NotNil(t, parsed.PublishedParsed)
	assert.Equal(t, int64(0), parsed.PublishedParsed.Unix())
}

func TestWriteFileReplacesAtomically(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteFile(dir, []byte("<rss>one</rss>"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	_, err = WriteFile(dir, []byte("<rss>two</rss>"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<rss>two</rss>", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
