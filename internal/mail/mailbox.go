package mail

import (
	"context"
	"errors"

	"nl2audio/internal/models"
)

// ErrLabelNotFound is returned when the requested label does not exist.
var ErrLabelNotFound = errors.New("label not found")

// Mailbox is the read-only surface of an authenticated mail account. It has
// no operation that sends, modifies or deletes mail.
type Mailbox interface {
	Account(ctx context.Context) (string, error)
	ListLabels(ctx context.Context) ([]string, error)
	FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error)
	Close() error
}
