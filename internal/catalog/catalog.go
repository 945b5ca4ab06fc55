// Package catalog records rendered batches and their frames in a queryable
// store so render history outlives the scratch directories.
package catalog

import (
	"context"
	"time"
)

// Config configures the catalog writer.
type Config struct {
	PostgresDSN string
}

// Writer records batches. Implementations must be safe to call once per
// batch from the orchestrator goroutine.
type Writer interface {
	RecordBatch(ctx context.Context, rec BatchRecord) error
	Close() error
}

// BatchRecord is one finished batch.
type BatchRecord struct {
	BatchID    string
	Scene      string
	SceneURI   string
	SceneHash  string
	FrameStart int
	FrameEnd   int
	Requested  int
	Skipped    int
	Succeeded  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
	Frames     []FrameRecord
}

// FrameRecord is the outcome of one frame within a batch.
type FrameRecord struct {
	Frame     int
	Succeeded bool
	Error     string
	Duration  time.Duration
	Outputs   []string
}

// NewWriter returns a Postgres writer when a DSN is configured and a no-op
// writer otherwise.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	w, err := NewPostgresWriter(cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type noopWriter struct{}

func (noopWriter) RecordBatch(context.Context, BatchRecord) error { return nil }
func (noopWriter) Close() error                                   { return nil }
