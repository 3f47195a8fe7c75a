package main

import (
	"flag"
	"os"

	"github.com/hibiken/asynq"

	"nl2audio/internal/config"
	"nl2audio/internal/logging"
	"nl2audio/pkg/tasks"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.NewWithFile(cfg.Logging.Level, cfg.Logging.Format, cfg.LogFile())
	if err != nil {
		logging.New("info", "text").Error("open log file", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	if !cfg.Mail.Enabled {
		logger.Error("mail is disabled; nothing to schedule")
		os.Exit(1)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: cfg.Queue.RedisAddr},
		&asynq.SchedulerOpts{},
	)

	task, err := tasks.NewFetchMailboxTask(cfg.Mail.Label, cfg.Mail.MaxMessages)
	if err != nil {
		logger.Error("could not create task", "error", err)
		os.Exit(1)
	}

	// One fetch at a time; a run that overlaps the next tick is dropped.
	if _, err := scheduler.Register(cfg.Queue.FetchInterval, task, asynq.Unique(cfg.FetchIntervalDuration())); err != nil {
		logger.Error("could not register task", "interval", cfg.Queue.FetchInterval, "error", err)
		os.Exit(1)
	}

	logger.Info("scheduler starting", "commit", CommitSHA, "interval", cfg.Queue.FetchInterval, "label", cfg.Mail.Label)
	if err := scheduler.Run(); err != nil {
		logger.Error("could not run scheduler", "error", err)
		os.Exit(1)
	}
}
