// Package scene stages a job's scene file into shared storage so remote
// workers can fetch it. External assets are packed into the scene first.
package scene

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-render-farm/internal/assets"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/storage"
	"github.com/withObsrvr/obsrvr-render-farm/internal/worker"
)

// ErrPreparation marks every failure that leaves the scene unusable by
// workers. A batch must not be dispatched after it.
var ErrPreparation = errors.New("scene preparation failed")

// KeyPrefix is where prepared scenes live in shared storage.
const KeyPrefix = "scenes/"

// Ref identifies a prepared scene in shared storage.
type Ref struct {
	Key      string // storage key, e.g. scenes/shot.blend
	URI      string
	Hash     string // MD5 of the prepared content
	Uploaded bool   // false when an identical copy was already stored
}

// Unpacker makes a staged scene self-contained, rewriting it in place.
type Unpacker interface {
	Unpack(ctx context.Context, scenePath string) error
}

// NopUnpacker leaves the scene untouched.
type NopUnpacker struct{}

// Unpack does nothing.
func (NopUnpacker) Unpack(context.Context, string) error { return nil }

// CommandUnpacker runs the engine to pack external assets into the scene and
// save it. Args may use the {scene} placeholder.
type CommandUnpacker struct {
	Command string
	Args    []string
}

// Unpack runs the configured command against scenePath.
func (u CommandUnpacker) Unpack(ctx context.Context, scenePath string) error {
	args := worker.ExpandArgs(u.Args, map[string]string{"scene": scenePath})
	cmd := exec.CommandContext(ctx, u.Command, args...)
	cmd.Dir = filepath.Dir(scenePath)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := out.String()
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("unpack %s: %w: %s", filepath.Base(scenePath), err, msg)
	}
	return nil
}

// Preparer uploads scenes to shared storage.
type Preparer struct {
	store    storage.Store
	tracker  *assets.Tracker
	unpacker Unpacker
	stageDir string
	log      *slog.Logger
}

// NewPreparer creates a preparer. tracker may be nil, in which case every
// Prepare uploads. A nil unpacker means NopUnpacker.
func NewPreparer(store storage.Store, tracker *assets.Tracker, unpacker Unpacker, stageDir string) *Preparer {
	if unpacker == nil {
		unpacker = NopUnpacker{}
	}
	if stageDir == "" {
		stageDir = os.TempDir()
	}
	return &Preparer{
		store:    store,
		tracker:  tracker,
		unpacker: unpacker,
		stageDir: stageDir,
		log:      logging.Component("scene_preparer"),
	}
}

// Key returns the storage key a scene is prepared under. Scenes with the
// same base name share a key; the latest upload wins.
func Key(scenePath string) string {
	return path.Join(KeyPrefix, filepath.Base(scenePath))
}

// Prepare stages a copy of the scene, unpacks it and uploads it unless the
// tracker shows an identical copy is already stored. The user's scene file is
// never modified.
func (p *Preparer) Prepare(ctx context.Context, scenePath string) (Ref, error) {
	start := time.Now()
	info, err := os.Stat(scenePath)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrPreparation, err)
	}
	if info.IsDir() {
		return Ref{}, fmt.Errorf("%w: %s is a directory", ErrPreparation, scenePath)
	}

	stage := filepath.Join(p.stageDir, "stage-"+uuid.NewString())
	if err := os.MkdirAll(stage, 0755); err != nil {
		return Ref{}, fmt.Errorf("%w: create stage dir: %v", ErrPreparation, err)
	}
	defer os.RemoveAll(stage)

	staged := filepath.Join(stage, filepath.Base(scenePath))
	if err := copyFile(scenePath, staged); err != nil {
		return Ref{}, fmt.Errorf("%w: stage scene: %v", ErrPreparation, err)
	}
	if err := p.unpacker.Unpack(ctx, staged); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrPreparation, err)
	}

	hash, err := assets.HashFile(staged)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrPreparation, err)
	}
	key := Key(scenePath)
	ref := Ref{Key: key, URI: p.store.URI(key), Hash: hash}

	log := p.log.With("scene", filepath.Base(scenePath), "key", key)

	skip, err := p.alreadyStored(ctx, key, hash)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrPreparation, err)
	}
	if skip {
		log.Info("scene unchanged, skipping upload", "hash", hash)
		return ref, nil
	}

	if err := p.store.PutFile(ctx, key, staged); err != nil {
		return Ref{}, fmt.Errorf("%w: upload: %v", ErrPreparation, err)
	}
	ref.Uploaded = true

	if p.tracker != nil {
		if err := p.tracker.Record(ctx, key, hash, info.ModTime()); err != nil {
			log.Warn("failed to record scene hash", "error", err)
		}
	}

	log.Info("scene prepared", "hash", hash, "uri", ref.URI, "duration", time.Since(start))
	return ref, nil
}

// alreadyStored reports whether the last upload under key had hash and the
// object still exists. The tracker is keyed by storage key because scenes with
// the same base name overwrite each other.
func (p *Preparer) alreadyStored(ctx context.Context, key, hash string) (bool, error) {
	if p.tracker == nil {
		return false, nil
	}
	prev, ok, err := p.tracker.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || prev != hash {
		return false, nil
	}
	return p.store.Exists(ctx, key)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
