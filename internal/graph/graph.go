// Package graph models a job's compositor output graph: ordered output nodes,
// each with a base path and named slots whose paths carry a frame placeholder.
//
// Graphs are plain values. Clone before handing one to concurrent work so no
// two frame units ever mutate the same node set.
package graph

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format describes the artifact encoding of a node or slot. It is passed
// through to the render engine unchanged.
type Format struct {
	Kind      string `yaml:"kind" json:"kind"`           // "OPEN_EXR" | "OPEN_EXR_MULTILAYER" | "PNG"
	BitDepth  int    `yaml:"bit_depth" json:"bit_depth"` // 16 | 32
	ColorMode string `yaml:"color_mode" json:"color_mode"`
}

// OutputSlot is one named channel group written by a node.
type OutputSlot struct {
	Name   string `yaml:"name" json:"name"`
	Path   string `yaml:"path" json:"path"`
	Format Format `yaml:"format,omitempty" json:"format"`
}

// OutputNode is a named destination with a base path and ordered slots.
type OutputNode struct {
	Name     string       `yaml:"name" json:"name"`
	BasePath string       `yaml:"base_path" json:"base_path"`
	Format   Format       `yaml:"format,omitempty" json:"format"`
	Slots    []OutputSlot `yaml:"slots" json:"slots"`
}

// OutputGraph is the ordered set of output nodes of a job. A node's index is
// its identity across redirect/restore cycles.
type OutputGraph struct {
	Nodes []OutputNode `yaml:"nodes" json:"nodes"`
}

var (
	// ErrNoOutputNodes is returned when a graph has nothing to render into.
	ErrNoOutputNodes = errors.New("no output nodes configured")

	// ErrInvalidGraph wraps structural validation failures.
	ErrInvalidGraph = errors.New("invalid output graph")
)

// Clone returns a deep copy of the graph.
func (g OutputGraph) Clone() OutputGraph {
	if g.Nodes == nil {
		return OutputGraph{}
	}
	out := OutputGraph{Nodes: make([]OutputNode, len(g.Nodes))}
	for i, n := range g.Nodes {
		n.Slots = append([]OutputSlot(nil), n.Slots...)
		out.Nodes[i] = n
	}
	return out
}

// Validate checks the graph can be submitted: at least one node, unique slot
// names within each node, and supported bit depths.
func (g OutputGraph) Validate() error {
	if len(g.Nodes) == 0 {
		return ErrNoOutputNodes
	}
	for i, n := range g.Nodes {
		if err := checkDepth(n.Format.BitDepth); err != nil {
			return fmt.Errorf("%w: node %d (%s): %v", ErrInvalidGraph, i, n.Name, err)
		}
		seen := make(map[string]bool, len(n.Slots))
		for _, s := range n.Slots {
			if s.Name == "" {
				return fmt.Errorf("%w: node %d (%s) has an unnamed slot", ErrInvalidGraph, i, n.Name)
			}
			if seen[s.Name] {
				return fmt.Errorf("%w: node %d (%s) has duplicate slot %q", ErrInvalidGraph, i, n.Name, s.Name)
			}
			seen[s.Name] = true
			if err := checkDepth(s.Format.BitDepth); err != nil {
				return fmt.Errorf("%w: slot %s/%s: %v", ErrInvalidGraph, n.Name, s.Name, err)
			}
		}
	}
	return nil
}

// zero means "inherit from the node / engine default"
func checkDepth(depth int) error {
	switch depth {
	case 0, 16, 32:
		return nil
	default:
		return fmt.Errorf("unsupported bit depth %d", depth)
	}
}

// FramePadding is the minimum width of a substituted frame number.
const FramePadding = 4

// SubstituteFrame replaces every run of '#' in template with frame, zero
// padded to FramePadding digits.
func SubstituteFrame(template string, frame int) string {
	if !strings.Contains(template, "#") {
		return template
	}
	num := fmt.Sprintf("%0*d", FramePadding, frame)

	var b strings.Builder
	b.Grow(len(template) + FramePadding)
	inRun := false
	for _, r := range template {
		if r == '#' {
			if !inRun {
				b.WriteString(num)
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// JobRelativePrefix marks a base path relative to the job's own directory.
const JobRelativePrefix = "//"

// ResolveBase turns a job-relative base path into a filesystem path rooted at
// jobDir. Other paths are returned untouched.
func ResolveBase(base, jobDir string) string {
	if rest, ok := strings.CutPrefix(base, JobRelativePrefix); ok {
		return filepath.Join(jobDir, filepath.FromSlash(rest))
	}
	return base
}
