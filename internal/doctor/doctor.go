// Package doctor reports whether the local setup can produce episodes.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"nl2audio/internal/config"
	"nl2audio/internal/mail"
	"nl2audio/internal/media"
)

// Level grades a check.
type Level int

const (
	Pass Level = iota
	Warn
	Fail
)

func (l Level) String() string {
	switch l {
	case Pass:
		return "ok"
	case Warn:
		return "warn"
	default:
		return "fail"
	}
}

// Result is the outcome of one check. Remedy says how to fix anything
// that did not pass.
type Result struct {
	Name   string
	Level  Level
	Detail string
	Remedy string
}

// Failed reports whether any result is a failure.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Level == Fail {
			return true
		}
	}
	return false
}

// Run executes every check that applies to cfg.
func Run(ctx context.Context, cfg *config.Config, vault mail.Vault, tc media.Toolchain) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{CheckOutputDir(cfg.OutputDir)}
	results = append(results, CheckToolchain(tc)...)
	results = append(results, CheckOpenAI(cfg.OpenAI))
	results = append(results, CheckMail(cfg.Mail, vault))
	results = append(results, CheckTextPreparation(cfg.TextPreparation, cfg.OpenAI))
	return results
}

// CheckOutputDir verifies the output directory exists and is writable.
func CheckOutputDir(path string) Result {
	const name = "Output directory"
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{Name: name, Level: Warn, Detail: path + " does not exist yet", Remedy: "run `nl2audio init`"}
	}
	if err != nil {
		return Result{Name: name, Level: Fail, Detail: fmt.Sprintf("%s (stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Level: Fail, Detail: path + " is not a directory", Remedy: "point output_dir at a directory"}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Level: Fail, Detail: fmt.Sprintf("%s (insufficient permissions: %v)", path, err), Remedy: "make the directory writable"}
	}
	return Result{Name: name, Level: Pass, Detail: path + " (read/write ok)"}
}

// CheckToolchain reports ffmpeg and ffprobe.
func CheckToolchain(tc media.Toolchain) []Result {
	statuses := media.CheckBinaries(tc.Requirements())
	results := make([]Result, 0, len(statuses))
	for _, s := range statuses {
		r := Result{Name: s.Name, Level: Pass, Detail: s.Description}
		if !s.Available {
			r.Level = Fail
			r.Detail = s.Detail
			r.Remedy = "install ffmpeg (brew install ffmpeg, apt install ffmpeg)"
		}
		results = append(results, r)
	}
	return results
}

// CheckOpenAI only looks at the key; it makes no request.
func CheckOpenAI(cfg config.OpenAI) Result {
	const name = "OpenAI API key"
	if cfg.APIKey == "" {
		return Result{Name: name, Level: Fail, Detail: "not set", Remedy: "export OPENAI_API_KEY or add it to .env"}
	}
	return Result{Name: name, Level: Pass, Detail: "configured (" + cfg.BaseURL + ")"}
}

// CheckMail reports whether the configured strategy has what it needs and
// whether a fallback exists.
func CheckMail(m config.Mail, vault mail.Vault) Result {
	const name = "Mail"
	if !m.Enabled {
		return Result{Name: name, Level: Pass, Detail: "disabled"}
	}
	if m.Account == "" {
		return Result{Name: name, Level: Fail, Detail: "no account configured", Remedy: "set mail.account or GMAIL_USER"}
	}
	hasPassword := m.Password != ""

	if m.Strategy == config.StrategyPassword {
		if !hasPassword {
			return Result{Name: name, Level: Fail, Detail: "password strategy without a password", Remedy: "set GMAIL_APP_PASSWORD"}
		}
		return Result{Name: name, Level: Pass, Detail: fmt.Sprintf("%s via app password, label %q", m.Account, m.Label)}
	}

	var problem, remedy string
	if _, err := os.Stat(m.ClientDescriptor); err != nil {
		problem = "OAuth client descriptor missing at " + m.ClientDescriptor
		remedy = "download the desktop client JSON from Google Cloud Console, then run `nl2audio connect-gmail`"
	} else if vault == nil {
		problem = "no credential vault"
	} else if _, err := vault.Get(mail.TokenKey(m.Account)); err != nil {
		problem = "no OAuth token stored for " + m.Account
		remedy = "run `nl2audio connect-gmail`"
	}
	switch {
	case problem == "":
		return Result{Name: name, Level: Pass, Detail: fmt.Sprintf("%s via OAuth, label %q", m.Account, m.Label)}
	case hasPassword:
		return Result{Name: name, Level: Warn, Detail: problem + "; the app password will be used", Remedy: remedy}
	default:
		return Result{Name: name, Level: Fail, Detail: problem, Remedy: remedy}
	}
}

// CheckTextPreparation validates the rewrite settings when enabled.
func CheckTextPreparation(tp config.TextPreparation, ai config.OpenAI) Result {
	const name = "Text preparation"
	if !tp.Enabled {
		return Result{Name: name, Level: Pass, Detail: "disabled"}
	}
	if err := config.ValidateTextPreparation(tp); err != nil {
		return Result{Name: name, Level: Fail, Detail: err.Error(), Remedy: "fix [text-preparation] in config.toml"}
	}
	if ai.APIKey == "" {
		return Result{Name: name, Level: Warn, Detail: "enabled without an API key; text is narrated unprepared", Remedy: "export OPENAI_API_KEY"}
	}
	return Result{Name: name, Level: Pass, Detail: fmt.Sprintf("%s, creativity %.1f, up to %d tokens", tp.Model, tp.Creativity, tp.MaxOutputLength)}
}
