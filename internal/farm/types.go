package farm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
)

// MaxConcurrency caps how many frames may be in flight at once.
const MaxConcurrency = 100

// FrameSpec is an inclusive frame interval. A single frame has Start == End.
type FrameSpec struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Single selects one frame.
func Single(n int) FrameSpec { return FrameSpec{Start: n, End: n} }

// Range selects start..end inclusive.
func Range(start, end int) FrameSpec { return FrameSpec{Start: start, End: end} }

// ParseRange parses "S:E" (or "S-E") into a Range.
func ParseRange(s string) (FrameSpec, error) {
	sep := strings.IndexAny(s, ":-")
	if sep <= 0 {
		return FrameSpec{}, fmt.Errorf("%w: range %q must be START:END", ErrInvalidRequest, s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(s[:sep]))
	if err != nil {
		return FrameSpec{}, fmt.Errorf("%w: range start %q", ErrInvalidRequest, s[:sep])
	}
	end, err := strconv.Atoi(strings.TrimSpace(s[sep+1:]))
	if err != nil {
		return FrameSpec{}, fmt.Errorf("%w: range end %q", ErrInvalidRequest, s[sep+1:])
	}
	spec := Range(start, end)
	return spec, spec.Validate()
}

// Validate checks start <= end.
func (f FrameSpec) Validate() error {
	if f.Start > f.End {
		return fmt.Errorf("%w: frame range %d-%d is reversed", ErrInvalidRequest, f.Start, f.End)
	}
	return nil
}

// Frames lists every frame in the spec in ascending order.
func (f FrameSpec) Frames() []int {
	if f.Start > f.End {
		return nil
	}
	out := make([]int, 0, f.End-f.Start+1)
	for n := f.Start; n <= f.End; n++ {
		out = append(out, n)
	}
	return out
}

// Len is the number of frames in the spec.
func (f FrameSpec) Len() int {
	if f.Start > f.End {
		return 0
	}
	return f.End - f.Start + 1
}

func (f FrameSpec) String() string {
	if f.Start == f.End {
		return strconv.Itoa(f.Start)
	}
	return fmt.Sprintf("%d-%d", f.Start, f.End)
}

// RenderRequest asks the dispatcher to render frames of a prepared scene.
type RenderRequest struct {
	BatchID     string
	SceneRef    string
	Outputs     graph.OutputGraph
	Frames      FrameSpec
	Concurrency int
	GPU         bool
}

// Validate checks the request invariants. Frames are checked separately by
// Submit since SubmitFrames takes an explicit list.
func (r RenderRequest) Validate() error {
	if r.SceneRef == "" {
		return fmt.Errorf("%w: scene ref is required", ErrInvalidRequest)
	}
	if r.Concurrency < 1 || r.Concurrency > MaxConcurrency {
		return fmt.Errorf("%w: concurrency %d outside 1..%d", ErrInvalidRequest, r.Concurrency, MaxConcurrency)
	}
	if err := r.Outputs.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// FrameResult is what one frame unit produced. It is consumed once by the
// reconciler.
type FrameResult struct {
	Frame int

	// Files maps each produced file's slash-separated path relative to
	// ScratchDir to its absolute path.
	Files map[string]string

	// Snapshot is the output configuration captured before redirection.
	Snapshot graph.Snapshot

	ScratchDir string
	Err        error
	Duration   time.Duration
}

// OK reports whether the frame rendered.
func (r FrameResult) OK() bool { return r.Err == nil }

// ReconciledArtifact is one produced file and where it ended up.
type ReconciledArtifact struct {
	Frame       int
	Rel         string // path relative to the frame's scratch dir
	Source      string // absolute scratch path
	Destination string
	Matched     bool   // false when a fallback location was used
	Node        string // matched node name, empty on fallback
	Slot        string // matched slot name, empty on fallback
	Size        int64
	Uploaded    bool
}
