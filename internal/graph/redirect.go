package graph

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrScratchDir is returned when the scratch directory cannot be created.
// No render should be attempted after it.
var ErrScratchDir = errors.New("create scratch directory")

// SlotSnapshot records one slot's configuration before redirection.
type SlotSnapshot struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format Format `json:"format"`
}

// NodeSnapshot records one node's configuration before redirection.
type NodeSnapshot struct {
	Name     string         `json:"name"`
	BasePath string         `json:"base_path"`
	Slots    []SlotSnapshot `json:"slots"`
}

// Snapshot is the original output configuration of a graph, indexed the same
// way as the graph's nodes.
type Snapshot []NodeSnapshot

// Capture records the current base and slot paths without mutating g.
func (g OutputGraph) Capture() Snapshot {
	snap := make(Snapshot, len(g.Nodes))
	for i, n := range g.Nodes {
		ns := NodeSnapshot{
			Name:     n.Name,
			BasePath: n.BasePath,
			Slots:    make([]SlotSnapshot, len(n.Slots)),
		}
		for j, s := range n.Slots {
			ns.Slots[j] = SlotSnapshot{Name: s.Name, Path: s.Path, Format: s.Format}
		}
		snap[i] = ns
	}
	return snap
}

// Redirect captures the graph and points every node's base path at scratch.
// Slot paths are left untouched.
func (g *OutputGraph) Redirect(scratch string) (Snapshot, error) {
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrScratchDir, scratch, err)
	}
	snap := g.Capture()
	for i := range g.Nodes {
		g.Nodes[i].BasePath = scratch
	}
	return snap, nil
}

// Restore writes back the captured base and slot paths in index order.
// It is idempotent. Nodes or slots missing on either side are skipped and
// reported in the returned error after everything restorable was restored.
func (g *OutputGraph) Restore(snap Snapshot) error {
	var mismatch error
	if len(snap) != len(g.Nodes) {
		mismatch = fmt.Errorf("restore: snapshot has %d nodes, graph has %d", len(snap), len(g.Nodes))
	}
	for i := range g.Nodes {
		if i >= len(snap) {
			break
		}
		g.Nodes[i].BasePath = snap[i].BasePath
		slots := g.Nodes[i].Slots
		if len(snap[i].Slots) != len(slots) && mismatch == nil {
			mismatch = fmt.Errorf("restore: node %d snapshot has %d slots, graph has %d",
				i, len(snap[i].Slots), len(slots))
		}
		for j := range slots {
			if j >= len(snap[i].Slots) {
				break
			}
			slots[j].Path = snap[i].Slots[j].Path
		}
	}
	return mismatch
}

// Collect walks scratch recursively and returns every regular file keyed by
// its slash-separated path relative to scratch.
func Collect(scratch string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(scratch, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(scratch, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", scratch, err)
	}
	return files, nil
}

// WithRedirect redirects g to scratch, runs fn, and restores g on every exit
// path, including a panic in fn. Restore problems are logged, never returned.
// The snapshot is returned whenever the redirect itself succeeded.
func WithRedirect(g *OutputGraph, scratch string, log *slog.Logger, fn func() error) (snap Snapshot, err error) {
	snap, err = g.Redirect(scratch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := g.Restore(snap); rerr != nil && log != nil {
			log.Warn("output restore incomplete", "error", rerr)
		}
	}()
	return snap, fn()
}
