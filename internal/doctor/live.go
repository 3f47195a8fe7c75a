package doctor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nl2audio/internal/apperr"
	"nl2audio/internal/openai"
)

const liveTimeout = 30 * time.Second

// Pinger makes one cheap authenticated API request.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MailChecker is a connector the mail check can log in with.
type MailChecker interface {
	Connect(ctx context.Context) error
	ListLabels(ctx context.Context) ([]string, error)
	Warnings() []string
}

// LiveChecks selects the live checks. A nil OpenAI skips that check.
type LiveChecks struct {
	OpenAI Pinger
	// Mail is nil when mail is disabled; MailLabel is the configured label.
	Mail      MailChecker
	MailLabel string
	// CheckMail is set when a mail check was asked for.
	CheckMail bool
}

// RunLive contacts the services selected in p.
func RunLive(ctx context.Context, p LiveChecks) []Result {
	var results []Result
	if p.OpenAI != nil {
		results = append(results, CheckOpenAIConnection(ctx, p.OpenAI))
	}
	if p.CheckMail {
		if p.Mail == nil {
			results = append(results, Result{Name: "Mail connection", Level: Warn, Detail: "mail is disabled", Remedy: "set [mail] enabled = true in config.toml"})
		} else {
			results = append(results, CheckMailConnection(ctx, p.Mail, p.MailLabel))
		}
	}
	return results
}

// CheckOpenAIConnection tells a rejected key apart from an unreachable endpoint.
func CheckOpenAIConnection(ctx context.Context, p Pinger) Result {
	const name = "OpenAI connection"
	ctx, cancel := context.WithTimeout(ctx, liveTimeout)
	defer cancel()

	err := p.Ping(ctx)
	var statusErr *openai.StatusError
	switch {
	case err == nil:
		return Result{Name: name, Level: Pass, Detail: "reachable, key accepted"}
	case errors.Is(err, openai.ErrMissingAPIKey):
		return Result{Name: name, Level: Fail, Detail: "no API key", Remedy: "export OPENAI_API_KEY or add it to .env"}
	case errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden):
		return Result{Name: name, Level: Fail, Detail: fmt.Sprintf("key rejected (http %d)", statusErr.StatusCode), Remedy: "check OPENAI_API_KEY"}
	case errors.As(err, &statusErr):
		return Result{Name: name, Level: Warn, Detail: fmt.Sprintf("API answered http %d", statusErr.StatusCode), Remedy: "retry later"}
	default:
		return Result{Name: name, Level: Fail, Detail: "unreachable: " + err.Error(), Remedy: "check the network and openai.base_url"}
	}
}

// CheckMail logs in and lists labels the way a fetch would.
func CheckMailConnection(ctx context.Context, m MailChecker, label string) Result {
	const name = "Mail connection"
	ctx, cancel := context.WithTimeout(ctx, liveTimeout)
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		return Result{Name: name, Level: Fail, Detail: err.Error(), Remedy: apperr.HintOf(err)}
	}
	labels, err := m.ListLabels(ctx)
	if err != nil {
		return Result{Name: name, Level: Fail, Detail: "list labels: " + err.Error(), Remedy: apperr.HintOf(err)}
	}
	found := false
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			found = true
			break
		}
	}
	if !found {
		return Result{Name: name, Level: Warn, Detail: fmt.Sprintf("connected, but label %q is not among %d labels", label, len(labels)), Remedy: "run `nl2audio gmail-test` and set mail.label"}
	}
	if warnings := m.Warnings(); len(warnings) > 0 {
		return Result{Name: name, Level: Warn, Detail: strings.Join(warnings, "; "), Remedy: "run `nl2audio connect-gmail` to restore OAuth"}
	}
	return Result{Name: name, Level: Pass, Detail: fmt.Sprintf("connected, label %q found", label)}
}
