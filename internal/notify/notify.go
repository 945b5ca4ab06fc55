// Package notify announces finished batches to an HTTP endpoint, keeping a
// local JSON copy of every event.
package notify

import (
	"context"
	"log"
	"time"
)

// Event is emitted once per finished batch.
type Event struct {
	EventType string       `json:"event_type"`
	EventID   string       `json:"event_id"`
	Timestamp time.Time    `json:"timestamp"`
	BatchID   string       `json:"batch_id"`
	Scene     string       `json:"scene"`
	SceneURI  string       `json:"scene_uri,omitempty"`
	Outcome   string       `json:"outcome"`
	Requested int          `json:"requested"`
	Skipped   int          `json:"skipped"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Artifacts int          `json:"artifacts"`
	FailedOn  []int        `json:"failed_frames,omitempty"`
	Producer  ProducerInfo `json:"producer"`
	Chain     Chain        `json:"chain"`
}

// ProducerInfo identifies the software that ran the batch.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// EventBatchFinished is the only event type.
const EventBatchFinished = "render_batch_finished"

// Config configures event emission.
type Config struct {
	Endpoint  string
	BackupDir string
}

// Emitter delivers batch events.
type Emitter interface {
	EmitBatch(ctx context.Context, evt Event) error
	Close() error
}

// NewEmitter creates an emitter based on configuration: HTTP when an
// endpoint is set, file-only when just a backup dir is set, no-op otherwise.
func NewEmitter(cfg Config) Emitter {
	if cfg.Endpoint == "" && cfg.BackupDir == "" {
		return noopEmitter{}
	}

	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		log.Printf("[notify] failed to create backup dir: %v, using no-op", err)
		return noopEmitter{}
	}

	var next Emitter = &fileOnlyEmitter{backup: backup}
	if cfg.Endpoint != "" {
		log.Printf("[notify] using HTTP emitter -> %s", cfg.Endpoint)
		next = NewHTTPEmitter(cfg.Endpoint, backup)
	} else {
		log.Printf("[notify] using file-only emitter -> %s", backup.dir)
	}

	tracker, err := NewChainTracker(backup.dir)
	if err != nil {
		log.Printf("[notify] chain tracking disabled: %v", err)
		return next
	}
	return &chainedEmitter{next: next, tracker: tracker}
}

// fileOnlyEmitter writes events to files only.
type fileOnlyEmitter struct {
	backup *FileBackup
}

func (e *fileOnlyEmitter) EmitBatch(_ context.Context, evt Event) error {
	stamp(&evt)
	return e.backup.Save(&evt)
}

func (e *fileOnlyEmitter) Close() error { return nil }

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) EmitBatch(context.Context, Event) error { return nil }
func (noopEmitter) Close() error                           { return nil }
