// Package worker contains the render worker side of the farm: the Renderer
// contract the dispatcher calls, an HTTP client for remote workers, a local
// command renderer that drives the render engine, and the HTTP server that
// exposes a command renderer to the farm.
package worker

import (
	"context"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
)

// Job is one frame of one prepared scene.
type Job struct {
	SceneRef string
	Frame    int
	GPU      bool

	// Outputs is the output graph as the engine must see it, already
	// redirected at ScratchDir.
	Outputs graph.OutputGraph

	// ScratchDir receives every file the render produces.
	ScratchDir string
}

// Device returns the engine device name for the job.
func (j Job) Device() string {
	if j.GPU {
		return "GPU"
	}
	return "CPU"
}

// Renderer renders a single frame. Implementations must leave every produced
// file under job.ScratchDir before returning nil. Render may block for as long
// as the engine needs; cancellation comes through ctx.
type Renderer interface {
	Render(ctx context.Context, job Job) error
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, job Job) error

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// renderRequest is the wire form of a Job sent to a remote worker.
type renderRequest struct {
	SceneRef string            `json:"scene_ref"`
	Frame    int               `json:"frame"`
	GPU      bool              `json:"gpu"`
	Outputs  graph.OutputGraph `json:"outputs"`
}
