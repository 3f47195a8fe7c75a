package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Episode is one synthesized audio unit. Episodes are immutable once
// published; only Title and Duration may be repaired afterwards.
type Episode struct {
	ID          string
	GUID        string
	Title       string
	Source      SourceDescriptor
	ContentHash string
	CreatedAt   time.Time
	AudioPath   string
	AudioSize   int64
	Duration    time.Duration
}

// ContentHash returns the sha256 hex digest of the extracted text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EpisodeID derives the stable identifier for a source locator and the hash
// of its extracted content.
func EpisodeID(locator, contentHash string) string {
	h := sha256.New()
	h.Write([]byte(locator))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// EpisodeGUID returns the feed GUID for an episode ID.
func EpisodeGUID(id string) string {
	return "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte("nl2audio:episode:"+id)).String()
}

// ArtifactName is the file name of the episode audio under the episodes directory.
func ArtifactName(id string) string {
	return id + ".mp3"
}
