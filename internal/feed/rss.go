// Package feed renders stored episodes as a podcast RSS document.
package feed

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eduncan911/podcast"

	"nl2audio/internal/models"
)

// FileName is the feed document inside the output directory.
const FileName = "feed.xml"

// Channel holds the podcast-level settings.
type Channel struct {
	Title       string
	Description string
	Author      string
	// SiteURL is the base URL the local server is reachable at.
	SiteURL string
}

// Generate renders episodes in the given order. The output depends only on
// its inputs: channel dates come from the newest episode, or the Unix epoch
// when there are none.
func Generate(ch Channel, episodes []models.Episode) ([]byte, error) {
	base := strings.TrimRight(ch.SiteURL, "/")
	published := time.Unix(0, 0).UTC()
	for _, ep := range episodes {
		if ep.CreatedAt.After(published) {
			published = ep.CreatedAt.UTC()
		}
	}

	p := podcast.New(ch.Title, base+"/"+FileName, description(ch), &published, &published)
	if ch.Author != "" {
		p.IAuthor = ch.Author
	}
	p.AddSummary(description(ch))

	for _, ep := range episodes {
		pubDate := ep.CreatedAt.UTC()
		enclosure := EnclosureURL(base, ep)
		item := podcast.Item{
			Title:       ep.Title,
			Description: fmt.Sprintf("Narrated from %s.", ep.Source),
			PubDate:     &pubDate,
			GUID:        ep.GUID,
			Link:        enclosure,
		}
		item.AddEnclosure(enclosure, podcast.MP3, ep.AudioSize)
		item.AddDuration(int64(ep.Duration.Round(time.Second) / time.Second))
		if _, err := p.AddItem(item); err != nil {
			return nil, fmt.Errorf("add episode %s: %w", ep.ID, err)
		}
	}

	return p.Bytes(), nil
}

// EnclosureURL is where the local server serves the episode audio.
func EnclosureURL(base string, ep models.Episode) string {
	name := filepath.Base(ep.AudioPath)
	if ep.AudioPath == "" {
		name = models.ArtifactName(ep.ID)
	}
	return strings.TrimRight(base, "/") + "/episodes/" + url.PathEscape(name)
}

// WriteFile atomically replaces dir/feed.xml with data.
func WriteFile(dir string, data []byte) (string, error) {
	target := filepath.Join(dir, FileName)
	tmp, err := os.CreateTemp(dir, FileName+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp feed: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write feed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close feed: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod feed: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("replace feed: %w", err)
	}
	return target, nil
}

func description(ch Channel) string {
	if strings.TrimSpace(ch.Description) != "" {
		return ch.Description
	}
	return ch.Title
}
