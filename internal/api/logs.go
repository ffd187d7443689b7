package api

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

// streamPollInterval is how often the SSE tail re-reads the log file and
// the run's status.
const streamPollInterval = time.Second

// LogHandler serves per-run log files, whole or as a live SSE tail.
type LogHandler struct {
	runs   repositories.RunRepository
	logger *zap.Logger
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(runs repositories.RunRepository, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		runs:   runs,
		logger: logger.Named("log_handler"),
	}
}

// Fetch handles GET /api/v1/runs/{id}/logs: the whole log file as plain
// text.
func (h *LogHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if run.LogPath == "" {
		ErrNotFound(w)
		return
	}

	f, err := os.Open(run.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to open run log", zap.String("path", run.LogPath), zap.Error(err))
		ErrInternal(w)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warn("log copy interrupted", zap.Int64("run_id", run.ID), zap.Error(err))
	}
}

// Stream handles GET /api/v1/runs/{id}/logs/stream: a Server-Sent Events
// tail of the log file, polled once per second. When the run reaches a
// terminal state a final "end" event carries the status and the stream
// closes.
func (h *LogHandler) Stream(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if run.LogPath == "" {
		ErrNotFound(w)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		ErrInternal(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var offset int64
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		offset = h.emitNewLines(w, run.LogPath, offset)
		flusher.Flush()

		current, err := h.runs.GetByID(r.Context(), run.ID)
		if err == nil && current.Status.Terminal() {
			// Drain whatever the run wrote between the last poll and the
			// terminal transition.
			offset = h.emitNewLines(w, run.LogPath, offset)
			fmt.Fprintf(w, "event: end\ndata: %s\n\n", current.Status)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// emitNewLines writes log lines past offset as SSE data events and returns
// the new offset. Read errors end the current poll quietly; the next tick
// retries.
func (h *LogHandler) emitNewLines(w io.Writer, path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(scanner.Bytes())) + 1
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	return offset
}

func (h *LogHandler) loadRun(w http.ResponseWriter, r *http.Request) (*db.BackupRun, bool) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return nil, false
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get run for logs", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return run, true
}
