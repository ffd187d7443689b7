// Package runlog creates the per-run log files streamed by the log API.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunLog is a zap logger writing to a dedicated file for one backup run.
type RunLog struct {
	Logger *zap.Logger
	Path   string

	file *os.File
}

// Path returns the log file location for a run id under dir.
func Path(dir string, runID int64) string {
	return filepath.Join(dir, fmt.Sprintf("run_%d.log", runID))
}

// Open creates the log file for a run. The format is human-readable console
// output, the same thing the SSE tail endpoint streams line by line.
func Open(dir string, runID int64) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create log dir: %w", err)
	}

	path := Path(dir, runID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", path, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	)

	return &RunLog{
		Logger: zap.New(core),
		Path:   path,
		file:   f,
	}, nil
}

// Close flushes and closes the log file.
func (r *RunLog) Close() error {
	_ = r.Logger.Sync()
	return r.file.Close()
}
