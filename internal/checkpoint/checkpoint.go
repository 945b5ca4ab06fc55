// Package checkpoint persists which frames of a scene have already been
// rendered and reconciled, so an interrupted batch can be resumed.
package checkpoint

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents render progress for one scene.
type Checkpoint struct {
	Scene           string    `json:"scene"`
	LastBatchID     string    `json:"last_batch_id"`
	CompletedFrames []int     `json:"completed_frames"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MarkCompleted adds frames to the completed set, keeping it sorted and
// free of duplicates.
func (cp *Checkpoint) MarkCompleted(frames ...int) {
	cp.CompletedFrames = append(cp.CompletedFrames, frames...)
	slices.Sort(cp.CompletedFrames)
	cp.CompletedFrames = slices.Compact(cp.CompletedFrames)
}

// Remaining returns the frames not yet completed, in the given order.
func (cp *Checkpoint) Remaining(frames []int) []int {
	if cp == nil || len(cp.CompletedFrames) == 0 {
		return frames
	}
	out := make([]int, 0, len(frames))
	for _, f := range frames {
		if _, found := slices.BinarySearch(cp.CompletedFrames, f); !found {
			out = append(out, f)
		}
	}
	return out
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for a scene.
	Load(ctx context.Context, scene string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files, one per scene.
type fileManager struct {
	dir string
}

// checkpointPath names the file after the scene's base name plus a short
// digest of its full path, so equal base names in different shots never
// share a checkpoint.
func (m *fileManager) checkpointPath(scene string) string {
	sum := sha1.Sum([]byte(scene))
	base := strings.TrimSuffix(filepath.Base(scene), filepath.Ext(scene))
	filename := fmt.Sprintf("checkpoint_%s_%s.json", base, hex.EncodeToString(sum[:4]))
	return filepath.Join(m.dir, filename)
}

// Load reads the checkpoint for scene from file.
func (m *fileManager) Load(ctx context.Context, scene string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(scene))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Scene != scene {
		return nil, ErrNoCheckpoint
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.Scene)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, scene string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
