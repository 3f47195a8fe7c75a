package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"nl2audio/internal/app"
	"nl2audio/internal/config"
	"nl2audio/internal/logging"
	"nl2audio/internal/worker"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

const (
	retryBase = 5 * time.Minute
	retryMax  = 6 * time.Hour
)

// retryDelay doubles from retryBase on every failure, capped at retryMax.
func retryDelay(n int) time.Duration {
	delay := retryBase
	for i := 0; i < n; i++ {
		delay *= 2
		if delay > retryMax {
			return retryMax
		}
	}
	return delay
}

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
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var connect func(context.Context) error
	if a.Connector != nil {
		connect = a.ConnectMail
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Queue.RedisAddr},
		asynq.Config{
			// The episode store has a single writer.
			Concurrency: 1,
			Queues: map[string]int{
				"high":    2,
				"default": 1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := retryDelay(n)
				logger.Warn("task failed, retrying", "type", task.Type(), "attempt", n+1, "delay", delay, "error", err)
				return delay
			},
			Logger: newAsynqLogger(logger),
		},
	)

	mux := asynq.NewServeMux()
	worker.NewTaskHandler(a.Pipeline, connect, cfg.Mail.Label, cfg.Mail.MaxMessages, logger).Register(mux)

	logger.Info("worker starting", "commit", CommitSHA, "redis", cfg.Queue.RedisAddr)
	if err := srv.Start(mux); err != nil {
		logger.Error("could not run server", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()
	srv.Shutdown()
}
