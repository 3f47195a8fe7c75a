package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // legacy charsets in newsletters
	gomail "github.com/emersion/go-message/mail"

	"nl2audio/internal/models"
)

// imapClient is the subset of *client.Client used here. Mailboxes are only
// ever opened read-only.
type imapClient interface {
	Login(username, password string) error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

var dialIMAPTLS = func(addr string) (imapClient, error) {
	return client.DialTLS(addr, nil)
}

type imapMailbox struct {
	c       imapClient
	account string
	logger  *slog.Logger
}

// DialIMAP logs in to addr over TLS with an app password.
func DialIMAP(ctx context.Context, addr, account, password string, logger *slog.Logger) (Mailbox, error) {
	c, err := dialIMAPTLS(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := c.Login(account, password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: imap login: %v", ErrLoginRejected, err)
	}
	return &imapMailbox{c: c, account: account, logger: logger}, nil
}

// ErrLoginRejected is returned when the server refuses the password.
var ErrLoginRejected = errors.New("login rejected")

func (m *imapMailbox) Account(ctx context.Context) (string, error) {
	return m.account, nil
}

func (m *imapMailbox) ListLabels(ctx context.Context) ([]string, error) {
	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- m.c.List("", "*", ch) }()

	var names []string
	for info := range ch {
		if hasAttr(info.Attributes, imap.NoSelectAttr) {
			continue
		}
		names = append(names, info.Name)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (m *imapMailbox) FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error) {
	// EXAMINE, not SELECT: nothing is marked as read.
	if _, err := m.c.Select(label, true); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrLabelNotFound, label, err)
	}
	uids, err := m.c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", label, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, imap.FetchEnvelope, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- m.c.UidFetch(seqset, items, ch) }()

	var out []models.MailboxMessage
	for raw := range ch {
		msg, err := parseIMAPMessage(raw, section, label)
		if err != nil {
			m.logger.Warn("unreadable message", "uid", raw.Uid, "error", err)
			msg.Err = err
		}
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch %q: %w", label, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (m *imapMailbox) Close() error {
	return m.c.Logout()
}

func parseIMAPMessage(raw *imap.Message, section *imap.BodySectionName, label string) (models.MailboxMessage, error) {
	msg := models.MailboxMessage{
		ID:         strconv.FormatUint(uint64(raw.Uid), 10),
		Label:      label,
		Subject:    "No Subject",
		ReceivedAt: raw.InternalDate.UTC(),
	}
	if raw.Envelope != nil && strings.TrimSpace(raw.Envelope.Subject) != "" {
		msg.Subject = strings.TrimSpace(raw.Envelope.Subject)
	}

	body := raw.GetBody(section)
	if body == nil {
		return msg, errors.New("server returned no body")
	}
	mr, err := gomail.CreateReader(body)
	if err != nil && !message.IsUnknownCharset(err) {
		return msg, fmt.Errorf("parse message: %w", err)
	}
	if subject, err := mr.Header.Subject(); err == nil && strings.TrimSpace(subject) != "" {
		msg.Subject = strings.TrimSpace(subject)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return msg, fmt.Errorf("read part: %w", err)
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, fmt.Errorf("read part body: %w", err)
		}
		switch strings.ToLower(ct) {
		case "text/html":
			if msg.HTML == "" {
				msg.HTML = string(data)
			}
		case "text/plain":
			if msg.Text == "" {
				msg.Text = string(data)
			}
		}
	}
	return msg, nil
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}
