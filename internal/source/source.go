// Package source turns a source descriptor into raw content bytes.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"nl2audio/internal/apperr"
	"nl2audio/internal/models"
)

const (
	ContentHTML  = "text/html"
	ContentPlain = "text/plain"

	defaultTimeout     = 30 * time.Second
	defaultRetries     = 3
	defaultMailboxScan = 100
	maxRedirects       = 10
	maxBodyBytes       = 20 << 20
	stageResolve       = "resolve source"
	userAgent          = "nl2audio/1.0"
)

// Content is what a source yielded before extraction.
type Content struct {
	Source      models.SourceDescriptor
	TitleHint   string
	ContentType string
	HTML        string
	Text        string
	ReceivedAt  time.Time
}

// MessageFetcher reads messages of a mailbox label.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error)
}

// Resolver resolves descriptors of every kind.
type Resolver struct {
	HTTPClient  *http.Client
	Stdin       io.Reader
	Mail        MessageFetcher
	MaxRetries  uint64
	MailboxScan int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// NewResolver returns a resolver reading standard input from os.Stdin.
// mail may be nil when no mailbox is configured.
func NewResolver(mail MessageFetcher, logger *slog.Logger) *Resolver {
	return &Resolver{
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		Stdin:       os.Stdin,
		Mail:        mail,
		MaxRetries:  defaultRetries,
		MailboxScan: defaultMailboxScan,
		RetryDelay:  500 * time.Millisecond,
		Logger:      logger,
	}
}

// Resolve fetches the content behind d. For standard input the returned
// descriptor carries the digest of the bytes read.
func (r *Resolver) Resolve(ctx context.Context, d models.SourceDescriptor) (Content, error) {
	switch d.Kind {
	case models.SourceFile:
		return r.resolveFile(d)
	case models.SourceURL:
		return r.resolveURL(ctx, d)
	case models.SourceStdin:
		return r.resolveStdin()
	case models.SourceMailbox:
		return r.resolveMailbox(ctx, d)
	}
	return Content{}, apperr.Newf(apperr.SourceUnavailable, stageResolve, "", "unknown source kind %q", d.Kind)
}

// FromMessage converts a fetched mailbox message. HTML and plain text are
// kept side by side so extraction can pick.
func FromMessage(msg models.MailboxMessage) Content {
	ct := ContentPlain
	if strings.TrimSpace(msg.HTML) != "" {
		ct = ContentHTML
	}
	return Content{
		Source:      models.MailboxSource(msg.Label, msg.ID),
		TitleHint:   msg.Subject,
		ContentType: ct,
		HTML:        msg.HTML,
		Text:        msg.Text,
		ReceivedAt:  msg.ReceivedAt,
	}
}

func (r *Resolver) resolveFile(d models.SourceDescriptor) (Content, error) {
	data, err := os.ReadFile(d.Locator)
	if err != nil {
		return Content{}, apperr.New(apperr.SourceUnavailable, stageResolve, fmt.Errorf("read %s: %w", d.Locator, err), "check the path and its permissions")
	}
	base := filepath.Base(d.Locator)
	ext := strings.ToLower(filepath.Ext(base))
	c := Content{Source: d, TitleHint: strings.TrimSuffix(base, filepath.Ext(base))}
	if ext == ".html" || ext == ".htm" {
		c.ContentType = ContentHTML
		c.HTML = string(data)
	} else {
		c.ContentType = ContentPlain
		c.Text = string(data)
	}
	return c, nil
}

func (r *Resolver) resolveStdin() (Content, error) {
	if r.Stdin == nil {
		return Content{}, apperr.Newf(apperr.SourceUnavailable, stageResolve, "", "standard input is not available")
	}
	data, err := io.ReadAll(r.Stdin)
	if err != nil {
		return Content{}, apperr.New(apperr.SourceUnavailable, stageResolve, fmt.Errorf("read standard input: %w", err), "")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Content{}, apperr.Newf(apperr.SourceUnavailable, stageResolve, "pipe content into the command", "standard input is empty")
	}
	c := Content{Source: models.StdinSource(data), TitleHint: "Standard input"}
	if looksLikeHTML(data) {
		c.ContentType = ContentHTML
		c.HTML = string(data)
	} else {
		c.ContentType = ContentPlain
		c.Text = string(data)
	}
	return c, nil
}

type fetched struct {
	body        []byte
	contentType string
	finalHost   string
}

func (r *Resolver) resolveURL(ctx context.Context, d models.SourceDescriptor) (Content, error) {
	op := func() (fetched, error) {
		res, err := r.get(ctx, d.Locator)
		if err != nil && ctx.Err() != nil {
			return res, backoff.Permanent(ctx.Err())
		}
		return res, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.RetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		if r.Logger != nil {
			r.Logger.Warn("fetch failed, retrying", "url", d.Locator, "error", err, "wait", wait)
		}
	}

	res, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		return Content{}, apperr.New(apperr.SourceUnavailable, stageResolve, fmt.Errorf("fetch %s: %w", d.Locator, err), "check the URL and your network connection")
	}

	c := Content{Source: d, TitleHint: res.finalHost}
	if isHTML(res.contentType, res.body) {
		c.ContentType = ContentHTML
		c.HTML = string(res.body)
	} else {
		c.ContentType = ContentPlain
		c.Text = string(res.body)
	}
	return c, nil
}

func (r *Resolver) get(ctx context.Context, target string) (fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fetched{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fetched{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fetched{}, fmt.Errorf("http %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fetched{}, backoff.Permanent(fmt.Errorf("http %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fetched{}, fmt.Errorf("read body: %w", err)
	}
	return fetched{body: body, contentType: resp.Header.Get("Content-Type"), finalHost: resp.Request.URL.Hostname()}, nil
}

func (r *Resolver) resolveMailbox(ctx context.Context, d models.SourceDescriptor) (Content, error) {
	label, id, err := models.SplitMailboxLocator(d.Locator)
	if err != nil {
		return Content{}, apperr.New(apperr.SourceUnavailable, stageResolve, err, "")
	}
	if r.Mail == nil {
		return Content{}, apperr.Newf(apperr.NotConnected, stageResolve, "enable [mail] in the configuration", "no mailbox configured")
	}
	msgs, err := r.Mail.FetchMessages(ctx, label, r.MailboxScan)
	if err != nil {
		return Content{}, fmt.Errorf("fetch label %q: %w", label, err)
	}

	var matches []models.MailboxMessage
	for _, m := range msgs {
		if m.ID == id {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 1:
		if err := matches[0].Err; err != nil {
			return Content{}, apperr.New(apperr.SourceUnavailable, stageResolve, err, "")
		}
		return FromMessage(matches[0]), nil
	case 0:
		return Content{}, apperr.Newf(apperr.SourceAmbiguous, stageResolve, "list the label with `nl2audio gmail-test`", "no message %q in label %q", id, label)
	default:
		return Content{}, apperr.Newf(apperr.SourceAmbiguous, stageResolve, "", "%d messages match %q in label %q", len(matches), id, label)
	}
}

func isHTML(contentType string, body []byte) bool {
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			return strings.Contains(mediaType, "html")
		}
	}
	return strings.Contains(http.DetectContentType(body), "html")
}

func looksLikeHTML(data []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(data[:min(len(data), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") || strings.Contains(head, "<body")
}

