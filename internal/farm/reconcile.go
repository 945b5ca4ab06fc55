package farm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/metrics"
)

// FallbackDirName is created next to the scene for files that match no slot
// when the job has no output nodes at all.
const FallbackDirName = "farm_render_output"

// Reconciler maps files produced in scratch back to the output locations the
// job configured, and copies them there.
type Reconciler struct {
	// JobDir resolves "//" job-relative base paths.
	JobDir string

	// FallbackDir receives unmatched files when the snapshot has no nodes.
	FallbackDir string

	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewReconciler creates a reconciler for a job whose scene lives in jobDir.
// An empty fallbackDir means <jobDir>/farm_render_output.
func NewReconciler(jobDir, fallbackDir string, m *metrics.Metrics) *Reconciler {
	if fallbackDir == "" {
		fallbackDir = filepath.Join(jobDir, FallbackDirName)
	}
	return &Reconciler{
		JobDir:      jobDir,
		FallbackDir: fallbackDir,
		metrics:     m,
		log:         logging.Component("reconciler"),
	}
}

// Resolve computes the destination of every produced file without touching
// the filesystem. Artifacts are ordered by relative path.
//
// A file goes to the first slot, scanning nodes then slots in order, whose
// frame-substituted path has the same base name. Unmatched files go under
// the first node's base path, or under FallbackDir when there are no nodes.
func (r *Reconciler) Resolve(res FrameResult) []ReconciledArtifact {
	rels := make([]string, 0, len(res.Files))
	for rel := range res.Files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	out := make([]ReconciledArtifact, 0, len(rels))
	for _, rel := range rels {
		a := ReconciledArtifact{Frame: res.Frame, Rel: rel, Source: res.Files[rel]}
		if node, slot, dest, ok := r.match(res.Snapshot, res.Frame, path.Base(rel)); ok {
			a.Destination = dest
			a.Matched = true
			a.Node = node
			a.Slot = slot
		} else {
			a.Destination = r.fallback(res.Snapshot, res.Frame, rel)
		}
		out = append(out, a)
	}
	return out
}

func (r *Reconciler) match(snap graph.Snapshot, frame int, base string) (node, slot, dest string, ok bool) {
	for _, n := range snap {
		for _, s := range n.Slots {
			sub := graph.SubstituteFrame(s.Path, frame)
			if path.Base(filepath.ToSlash(sub)) != base {
				continue
			}
			dir := r.base(n.BasePath, frame)
			return n.Name, s.Name, filepath.Join(dir, filepath.FromSlash(sub)), true
		}
	}
	return "", "", "", false
}

func (r *Reconciler) fallback(snap graph.Snapshot, frame int, rel string) string {
	if len(snap) > 0 {
		return filepath.Join(r.base(snap[0].BasePath, frame), filepath.FromSlash(rel))
	}
	return filepath.Join(r.FallbackDir, filepath.FromSlash(rel))
}

// base resolves a node base path for frame. Base paths are templates too.
func (r *Reconciler) base(basePath string, frame int) string {
	return graph.ResolveBase(graph.SubstituteFrame(basePath, frame), r.JobDir)
}

// Reconcile resolves and copies a successful frame's files, overwriting
// whatever is at the destination. It returns the artifacts that were written;
// per-file copy failures are joined into the error and do not stop the rest.
// Failed frames are ignored.
func (r *Reconciler) Reconcile(ctx context.Context, res FrameResult) ([]ReconciledArtifact, error) {
	if !res.OK() {
		return nil, nil
	}

	log := r.log.With("frame", res.Frame)
	var written []ReconciledArtifact
	var errs []error
	for _, a := range r.Resolve(res) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !a.Matched {
			log.Warn("reconciliation fallback", "warning", &ReconciliationWarning{Frame: a.Frame, Rel: a.Rel, Destination: a.Destination})
		}
		n, err := copyArtifact(a.Source, a.Destination)
		if err != nil {
			errs = append(errs, fmt.Errorf("frame %d: %s: %w", a.Frame, a.Rel, err))
			continue
		}
		a.Size = n
		r.metrics.IncArtifactsReconciled(a.Matched)
		log.Debug("artifact placed", "source", a.Rel, "destination", a.Destination)
		written = append(written, a)
	}
	return written, errors.Join(errs...)
}

// copyArtifact writes src to dst via a temp file in dst's directory, so a
// reader never sees a half-written file.
func copyArtifact(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}
