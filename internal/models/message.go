package models

import "time"

// MailboxMessage is a newsletter read from a mailbox label. It is consumed
// while building an episode and never stored.
type MailboxMessage struct {
	ID         string
	Label      string
	Subject    string
	HTML       string
	Text       string
	ReceivedAt time.Time
	// Err is set when the message was listed but could not be read. The
	// other fields hold whatever was recovered.
	Err error
}
