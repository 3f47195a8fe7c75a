package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"nl2audio/internal/app"
	"nl2audio/internal/config"
	"nl2audio/internal/logging"
	"nl2audio/pkg/tasks"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error

	log      *slog.Logger
	closeLog func() error

	// newEnqueuer opens the task queue. Tests replace it.
	newEnqueuer func(redisAddr string) (tasks.TaskEnqueuer, func() error)
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
		newEnqueuer: func(redisAddr string) (tasks.TaskEnqueuer, func() error) {
			client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
			return client, client.Close
		},
	}
}

func (c *commandContext) configPath() string {
	if c.configFlag != nil && strings.TrimSpace(*c.configFlag) != "" {
		return strings.TrimSpace(*c.configFlag)
	}
	return config.DefaultPath()
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger is built once the configuration is loaded, so the log file is
// opened at most once per invocation.
func (c *commandContext) logger() *slog.Logger {
	if c.log != nil {
		return c.log
	}
	level, format, file := "info", "text", ""
	if c.config != nil {
		level, format, file = c.config.Logging.Level, c.config.Logging.Format, c.config.LogFile()
	}
	if c.verbose != nil && *c.verbose {
		level = "debug"
	}
	logger, closeLog, err := logging.NewWithFile(level, format, file)
	if err != nil {
		logger = logging.New(level, format)
		logger.Warn("logging to stderr only", "path", file, "error", err)
		closeLog = nil
	}
	if c.config != nil {
		c.log, c.closeLog = logger, closeLog
	}
	return logger
}

func (c *commandContext) close() {
	if c.closeLog != nil {
		_ = c.closeLog()
	}
}

// withApp opens the store and pipeline for the duration of fn.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(cmd.Context(), cfg, c.logger())
	if err != nil {
		return err
	}
	defer a.Close()
	a.Resolver.Stdin = cmd.InOrStdin()
	return fn(cmd.Context(), a)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
