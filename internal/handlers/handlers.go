// Package handlers serves the feed and episode audio over HTTP. It only
// reads from the store and the episodes directory.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"nl2audio/internal/feed"
	"nl2audio/internal/models"
)

const shutdownTimeout = 5 * time.Second

// EpisodeLister is the read side of the episode store.
type EpisodeLister interface {
	List(ctx context.Context) ([]models.Episode, error)
}

type Handlers struct {
	episodes    EpisodeLister
	channel     feed.Channel
	episodesDir string
	logger      *slog.Logger
}

func New(episodes EpisodeLister, channel feed.Channel, episodesDir string, logger *slog.Logger) *Handlers {
	return &Handlers{
		episodes:    episodes,
		channel:     channel,
		episodesDir: episodesDir,
		logger:      logger,
	}
}

// Router wires the routes. Middlewares run in the given order.
func (h *Handlers) Router(mws ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/"+feed.FileName, h.GetFeed).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/episodes/{artifact}", h.ServeEpisode).Methods(http.MethodGet, http.MethodHead)
	r.NotFoundHandler = http.HandlerFunc(http.NotFound)
	r.Use(mws...)
	return r
}

// Serve runs the server on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving feed", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
