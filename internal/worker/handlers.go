package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"nl2audio/internal/apperr"
	"nl2audio/internal/mail"
	"nl2audio/internal/models"
	"nl2audio/internal/pipeline"
	"nl2audio/internal/prep"
	"nl2audio/pkg/tasks"
)

// Runner is the ingestion pipeline as the worker sees it.
type Runner interface {
	Add(ctx context.Context, req pipeline.AddRequest) (pipeline.AddResult, error)
	FetchMailbox(ctx context.Context, label string, limit int, o prep.Overrides) (pipeline.RunSummary, error)
}

type TaskHandler struct {
	runner Runner
	// connect authenticates the mailbox before a fetch. Nil when mail is
	// disabled.
	connect func(ctx context.Context) error
	label   string
	limit   int
	logger  *slog.Logger
}

func NewTaskHandler(runner Runner, connect func(ctx context.Context) error, label string, limit int, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{runner: runner, connect: connect, label: label, limit: limit, logger: logger}
}

// Register wires the handlers into mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeFetchMailbox, h.HandleFetchMailboxTask)
	mux.HandleFunc(tasks.TypeAddSource, h.HandleAddSourceTask)
}

func (h *TaskHandler) HandleFetchMailboxTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.FetchMailboxTaskPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("failed to unmarshal task payload: %w: %v", asynq.SkipRetry, err)
		}
	}
	if p.Label == "" {
		p.Label = h.label
	}
	if p.Limit <= 0 {
		p.Limit = h.limit
	}

	if h.connect == nil {
		return fmt.Errorf("mail is disabled: %w", asynq.SkipRetry)
	}
	if err := h.connect(ctx); err != nil {
		return classify(fmt.Errorf("connect mailbox: %w", err))
	}

	h.logger.Info("fetching mailbox", "label", p.Label, "limit", p.Limit)
	sum, err := h.runner.FetchMailbox(ctx, p.Label, p.Limit, prep.Overrides{})
	for _, w := range sum.Warnings {
		h.logger.Warn(w)
	}
	for _, f := range sum.Failures {
		h.logger.Warn("message not converted", "id", f.MessageID, "subject", f.Subject, "stage", f.Stage, "error", f.Err)
	}
	if err != nil {
		return classify(fmt.Errorf("fetch mailbox %q: %w", p.Label, err))
	}
	h.logger.Info("mailbox run finished", "added", len(sum.Added), "skipped", sum.Skipped, "failed", len(sum.Failures))
	return nil
}

func (h *TaskHandler) HandleAddSourceTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.AddSourceTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %v", asynq.SkipRetry, err)
	}
	d := models.ParseDescriptor(p.Source)
	if d.Kind == models.SourceStdin {
		return fmt.Errorf("standard input cannot be processed in the background: %w", asynq.SkipRetry)
	}
	if d.Kind == models.SourceMailbox && h.connect != nil {
		if err := h.connect(ctx); err != nil {
			return classify(fmt.Errorf("connect mailbox: %w", err))
		}
	}

	res, err := h.runner.Add(ctx, pipeline.AddRequest{Source: d, Title: p.Title, Prep: prep.Overrides{Enabled: p.Prep}})
	if err != nil {
		return classify(fmt.Errorf("add %s: %w", d, err))
	}
	for _, w := range res.Warnings {
		h.logger.Warn(w, "source", d.String())
	}
	h.logger.Info("source processed", "source", d.String(), "episode", res.Episode.ID, "created", res.Created)
	return nil
}

// classify stops retries for failures that another attempt cannot fix.
func classify(err error) error {
	if errors.Is(err, mail.ErrRefreshUnavailable) {
		return err
	}
	kind, ok := apperr.KindOf(err)
	if !ok {
		return err
	}
	switch kind {
	case apperr.AuthenticationFailed, apperr.NotConnected, apperr.ExtractionFailed,
		apperr.SourceAmbiguous, apperr.ToolchainUnavailable, apperr.StoreWriteConflict:
		return errors.Join(err, asynq.SkipRetry)
	default:
		return err
	}
}
