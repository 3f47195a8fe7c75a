package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gorilla/mux"

	"nl2audio/internal/feed"
)

var artifactPattern = regexp.MustCompile(`^[a-f0-9]{32}\.mp3$`)

func (h *Handlers) GetFeed(w http.ResponseWriter, r *http.Request) {
	episodes, err := h.episodes.List(r.Context())
	if err != nil {
		h.logger.Error("list episodes", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rss, err := feed.Generate(h.channel, episodes)
	if err != nil {
		h.logger.Error("generate feed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(rss)))
	w.Write(rss)
}

func (h *Handlers) ServeEpisode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["artifact"]
	if !artifactPattern.MatchString(name) {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(filepath.Join(h.episodesDir, name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
