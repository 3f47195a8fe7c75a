package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// SourceKind tags where a piece of content came from.
type SourceKind string

const (
	SourceFile    SourceKind = "file"
	SourceURL     SourceKind = "url"
	SourceStdin   SourceKind = "stdin"
	SourceMailbox SourceKind = "mailbox"
)

var urlPattern = regexp.MustCompile(`(?i)^https?://`)

// SourceDescriptor identifies content so that it can be fetched again or
// recognized when it shows up a second time.
type SourceDescriptor struct {
	Kind    SourceKind
	Locator string
}

func (d SourceDescriptor) String() string {
	return string(d.Kind) + ":" + d.Locator
}

// ParseSource maps a command line argument to a descriptor: "-" is standard
// input, http(s) URLs are remote, anything else is a local path. A
// "mailbox:<label>/<id>" argument addresses a single mailbox message.
func ParseSource(arg string) (SourceDescriptor, error) {
	arg = strings.TrimSpace(arg)
	switch {
	case arg == "":
		return SourceDescriptor{}, fmt.Errorf("empty source")
	case arg == "-":
		return SourceDescriptor{Kind: SourceStdin}, nil
	case urlPattern.MatchString(arg):
		return SourceDescriptor{Kind: SourceURL, Locator: arg}, nil
	case strings.HasPrefix(arg, "mailbox:"):
		label, id, err := SplitMailboxLocator(strings.TrimPrefix(arg, "mailbox:"))
		if err != nil {
			return SourceDescriptor{}, err
		}
		return MailboxSource(label, id), nil
	}
	abs, err := filepath.Abs(expandHome(arg))
	if err != nil {
		return SourceDescriptor{}, fmt.Errorf("resolve path %q: %w", arg, err)
	}
	return SourceDescriptor{Kind: SourceFile, Locator: filepath.Clean(abs)}, nil
}

// StdinSource identifies standard input by the digest of what was read.
func StdinSource(data []byte) SourceDescriptor {
	sum := sha256.Sum256(data)
	return SourceDescriptor{Kind: SourceStdin, Locator: "sha256:" + hex.EncodeToString(sum[:])}
}

// MailboxSource identifies a message inside a label.
func MailboxSource(label, messageID string) SourceDescriptor {
	return SourceDescriptor{Kind: SourceMailbox, Locator: label + "/" + messageID}
}

// SplitMailboxLocator splits "<label>/<id>". Labels may contain slashes, the
// message id may not.
func SplitMailboxLocator(locator string) (label, id string, err error) {
	i := strings.LastIndex(locator, "/")
	if i <= 0 || i == len(locator)-1 {
		return "", "", fmt.Errorf("mailbox locator %q must look like <label>/<message id>", locator)
	}
	return locator[:i], locator[i+1:], nil
}

// ParseDescriptor is the inverse of SourceDescriptor.String.
func ParseDescriptor(s string) SourceDescriptor {
	kind, locator, ok := strings.Cut(s, ":")
	if !ok {
		return SourceDescriptor{Kind: SourceFile, Locator: s}
	}
	return SourceDescriptor{Kind: SourceKind(kind), Locator: locator}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
