package models

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpisodeIDIsStableAndContentBound(t *testing.T) {
	hash := ContentHash("the same text")
	id := EpisodeID("https://example.com/a", hash)

	assert.Len(t, id, 32)
	assert.Equal(t, id, EpisodeID("https://example.com/a", hash))
	assert.NotEqual(t, id, EpisodeID("https://example.com/a", ContentHash("edited text")))
	assert.NotEqual(t, id, EpisodeID("https://example.com/b", hash))
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "abc.mp3", ArtifactName("abc"))
}

func TestEpisodeGUID(t *testing.T) {
	guid := EpisodeGUID("0123456789abcdef0123456789abcdef")
	assert.True(t, strings.HasPrefix(guid, "urn:uuid:"))
	assert.Equal(t, guid, EpisodeGUID("0123456789abcdef0123456789abcdef"))
	assert.NotEqual(t, guid, EpisodeGUID("ffffffffffffffffffffffffffffffff"))
}

func TestParseSource(t *testing.T) {
	abs, err := filepath.Abs("notes/../article.html")
	require.NoError(t, err)

	tests := []struct {
		arg     string
		want    SourceDescriptor
		wantErr bool
	}{
		{arg: "-", want: SourceDescriptor{Kind: SourceStdin}},
		{arg: "https://example.com/post", want: SourceDescriptor{Kind: SourceURL, Locator: "https://example.com/post"}},
		{arg: "HTTP://example.com", want: SourceDescriptor{Kind: SourceURL, Locator: "HTTP://example.com"}},
		{arg: "notes/../article.html", want: SourceDescriptor{Kind: SourceFile, Locator: abs}},
		{arg: "mailbox:Newsletters/Weekly/18f0", want: SourceDescriptor{Kind: SourceMailbox, Locator: "Newsletters/Weekly/18f0"}},
		{arg: "mailbox:Newsletters", wantErr: true},
		{arg: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := ParseSource(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	for _, d := range []SourceDescriptor{
		{Kind: SourceURL, Locator: "https://example.com/a?b=c"},
		{Kind: SourceFile, Locator: "/srv/notes/a.txt"},
		StdinSource([]byte("hello")),
		MailboxSource("Inbox/News", "42"),
	} {
		assert.Equal(t, d, ParseDescriptor(d.String()))
	}
}

func TestStdinSourceIsContentAddressed(t *testing.T) {
	assert.Equal(t, StdinSource([]byte("a")), StdinSource([]byte("a")))
	assert.NotEqual(t, StdinSource([]byte("a")), StdinSource([]byte("b")))
	assert.True(t, strings.HasPrefix(StdinSource(nil).Locator, "sha256:"))
}

func TestSplitMailboxLocator(t *testing.T) {
	label, id, err := SplitMailboxLocator("Reading/Tech/abc")
	require.NoError(t, err)
	assert.Equal(t, "Reading/Tech", label)
	assert.Equal(t, "abc", id)

	_, _, err = SplitMailboxLocator("Reading/")
	assert.Error(t, err)
}
