package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"nl2audio/internal/models"
)

const gmailUser = "me"

type gmailMailbox struct {
	svc    *gmail.Service
	logger *slog.Logger
}

// DialGmail opens the Gmail API with ts. Extra client options are passed
// through, which tests use to point at a local endpoint.
func DialGmail(ctx context.Context, ts oauth2.TokenSource, logger *slog.Logger, opts ...option.ClientOption) (Mailbox, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &gmailMailbox{svc: svc, logger: logger}, nil
}

func (g *gmailMailbox) Account(ctx context.Context) (string, error) {
	profile, err := g.svc.Users.GetProfile(gmailUser).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get gmail profile: %w", err)
	}
	return profile.EmailAddress, nil
}

func (g *gmailMailbox) ListLabels(ctx context.Context) ([]string, error) {
	res, err := g.svc.Users.Labels.List(gmailUser).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	names := make([]string, 0, len(res.Labels))
	for _, l := range res.Labels {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (g *gmailMailbox) labelID(ctx context.Context, name string) (string, error) {
	res, err := g.svc.Users.Labels.List(gmailUser).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	for _, l := range res.Labels {
		if l.Name == name || l.Id == name {
			return l.Id, nil
		}
	}
	for _, l := range res.Labels {
		if strings.EqualFold(l.Name, name) {
			return l.Id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrLabelNotFound, name)
}

func (g *gmailMailbox) FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error) {
	id, err := g.labelID(ctx, label)
	if err != nil {
		return nil, err
	}
	call := g.svc.Users.Messages.List(gmailUser).LabelIds(id)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}
	list, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list messages in %q: %w", label, err)
	}

	out := make([]models.MailboxMessage, 0, len(list.Messages))
	for _, ref := range list.Messages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, err := g.svc.Users.Messages.Get(gmailUser, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			if isAuthError(err) {
				return nil, fmt.Errorf("get message %s: %w", ref.Id, err)
			}
			g.logger.Warn("unreadable message", "id", ref.Id, "error", err)
			out = append(out, models.MailboxMessage{ID: ref.Id, Label: label, Subject: "No Subject", Err: fmt.Errorf("get message %s: %w", ref.Id, err)})
			continue
		}
		out = append(out, parseGmailMessage(msg, label))
	}
	return out, nil
}

func (g *gmailMailbox) Close() error { return nil }

func parseGmailMessage(m *gmail.Message, label string) models.MailboxMessage {
	msg := models.MailboxMessage{
		ID:         m.Id,
		Label:      label,
		Subject:    "No Subject",
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload == nil {
		return msg
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, "Subject") && strings.TrimSpace(h.Value) != "" {
			msg.Subject = strings.TrimSpace(h.Value)
		}
	}
	var html, text strings.Builder
	walkParts(m.Payload, &html, &text)
	msg.HTML = html.String()
	msg.Text = text.String()
	return msg
}

func walkParts(part *gmail.MessagePart, html, text *strings.Builder) {
	if part == nil {
		return
	}
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		switch strings.ToLower(part.MimeType) {
		case "text/html":
			html.WriteString(decodeBase64URL(part.Body.Data))
		case "text/plain":
			text.WriteString(decodeBase64URL(part.Body.Data))
		}
	}
	for _, sub := range part.Parts {
		walkParts(sub, html, text)
	}
}

func decodeBase64URL(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

// isAuthError reports a rejected or expired credential.
func isAuthError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}
