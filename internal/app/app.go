// Package app assembles the pipeline and its collaborators from the
// configuration. The CLI, the worker and the scheduler share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"nl2audio/internal/apperr"
	"nl2audio/internal/config"
	"nl2audio/internal/db"
	"nl2audio/internal/feed"
	"nl2audio/internal/mail"
	"nl2audio/internal/media"
	"nl2audio/internal/openai"
	"nl2audio/internal/pipeline"
	"nl2audio/internal/prep"
	"nl2audio/internal/source"
	"nl2audio/internal/tts"
)

// App holds everything one invocation needs.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *db.Store
	Vault     mail.Vault
	Connector *mail.Connector
	Resolver  *source.Resolver
	Toolchain media.Toolchain
	Pipeline  *pipeline.Pipeline
}

// NewVault returns the configured credential vault. The keyring vault falls
// back to a 0600 file beside the OAuth client descriptor.
func NewVault(cfg *config.Config) mail.Vault {
	file := &mail.FileVault{Path: cfg.TokenFile()}
	if cfg.Mail.Vault == config.VaultFile {
		return file
	}
	return mail.ChainVault{mail.KeyringVault{}, file}
}

// Channel maps the feed settings.
func Channel(cfg *config.Config) feed.Channel {
	return feed.Channel{
		Title:       cfg.FeedTitle,
		Description: cfg.FeedDescription,
		Author:      cfg.FeedAuthor,
		SiteURL:     cfg.BaseURL(),
	}
}

// Open creates the output layout, opens the store and wires the pipeline.
// The mailbox is not connected; call ConnectMail when it is needed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	dsn := cfg.Store.DSN
	if cfg.Store.Driver == db.DriverSQLite || cfg.Store.Driver == "" {
		if dsn == "" {
			dsn = cfg.DBPath()
		}
	}
	store, err := db.Open(ctx, cfg.Store.Driver, dsn, cfg.LockPath())
	if err != nil {
		return nil, fmt.Errorf("open episode store: %w", err)
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Vault:     NewVault(cfg),
		Toolchain: media.NewToolchain(),
	}

	var fetcher source.MessageFetcher
	var reader pipeline.MailReader
	if cfg.Mail.Enabled {
		a.Connector = mail.NewConnector(mail.SettingsFrom(cfg.Mail), a.Vault, logger)
		fetcher, reader = a.Connector, a.Connector
	}
	a.Resolver = source.NewResolver(fetcher, logger)

	client := openai.NewClient(openai.Config{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		TimeoutSeconds: cfg.OpenAI.TimeoutSeconds,
	})
	synth := tts.New(client, a.Toolchain, tts.Options{
		Voice:      cfg.Voice,
		Model:      cfg.TTSModel,
		Bitrate:    cfg.Bitrate,
		MaxMinutes: cfg.MaxMinutes,
	}, logger)

	a.Pipeline = pipeline.New(pipeline.Deps{
		Resolver:    a.Resolver,
		Preparer:    prep.New(client, cfg.TextPreparation, logger),
		Synthesizer: synth,
		Store:       store,
		Mail:        reader,
		Prober:      a.Toolchain,
		Channel:     Channel(cfg),
		OutputDir:   cfg.OutputDir,
		EpisodesDir: cfg.EpisodesDir(),
		Logger:      logger,
	})
	return a, nil
}

// ConnectMail authenticates the mailbox. Fallback warnings are logged by
// the connector and returned by Connector.Warnings.
func (a *App) ConnectMail(ctx context.Context) error {
	if a.Connector == nil {
		return apperr.Newf(apperr.NotConnected, "mail connect", "set [mail] enabled = true in config.toml", "mail is disabled")
	}
	if a.Connector.State().Authenticated() {
		return nil
	}
	return a.Connector.Connect(ctx)
}

// Close releases the mailbox and the store.
func (a *App) Close() error {
	if a.Connector != nil {
		_ = a.Connector.Close()
	}
	return a.Store.Close()
}
