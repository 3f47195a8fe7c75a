package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	TypeFetchMailbox = "mailbox:fetch"
	TypeAddSource    = "source:add"
)

// FetchMailboxTaskPayload selects the label to ingest. Zero values fall back
// to the worker's configuration.
type FetchMailboxTaskPayload struct {
	Label string
	Limit int
}

func NewFetchMailboxTask(label string, limit int) (*asynq.Task, error) {
	payload, err := json.Marshal(FetchMailboxTaskPayload{Label: label, Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeFetchMailbox, payload), nil
}

// AddSourceTaskPayload is one explicit source. Source is the descriptor
// string ("url:https://...", "file:/abs/path"). Stdin cannot be queued.
type AddSourceTaskPayload struct {
	Source string
	Title  string
	Prep   *bool
}

func NewAddSourceTask(source, title string, prep *bool) (*asynq.Task, error) {
	payload, err := json.Marshal(AddSourceTaskPayload{Source: source, Title: title, Prep: prep})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAddSource, payload), nil
}
