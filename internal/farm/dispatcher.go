package farm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/metrics"
	"github.com/withObsrvr/obsrvr-render-farm/internal/worker"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// ScratchRoot holds one directory per batch, with one subdirectory per
	// frame.
	ScratchRoot string

	// FrameTimeout bounds a single frame unit. Zero means no limit beyond
	// the caller's context.
	FrameTimeout time.Duration

	Metrics *metrics.Metrics

	// OnResult, when set, is called as each frame finishes. Calls are
	// serialized.
	OnResult func(FrameResult)
}

// Dispatcher fans frames out to a Renderer with bounded concurrency. Every
// frame unit works on its own clone of the output graph.
type Dispatcher struct {
	renderer worker.Renderer
	cfg      DispatcherConfig
	log      *slog.Logger

	resultMu sync.Mutex
}

// NewDispatcher creates a dispatcher rendering through r.
func NewDispatcher(r worker.Renderer, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		renderer: r,
		cfg:      cfg,
		log:      logging.Component("dispatcher"),
	}
}

// Submit renders every frame in req.Frames and blocks until all of them have
// finished or failed. It fails only when the request is invalid; frame
// failures are reported in the results.
func (d *Dispatcher) Submit(ctx context.Context, req RenderRequest) ([]FrameResult, error) {
	if err := req.Frames.Validate(); err != nil {
		return nil, err
	}
	return d.SubmitFrames(ctx, req, req.Frames.Frames())
}

// SubmitFrames renders an explicit frame list. req.Frames is ignored.
// Results are sorted by frame number.
func (d *Dispatcher) SubmitFrames(ctx context.Context, req RenderRequest, frames []int) ([]FrameResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.BatchID == "" {
		req.BatchID = logging.GenerateBatchID()
	}

	results := make([]FrameResult, len(frames))
	sem := make(chan struct{}, req.Concurrency)
	var wg sync.WaitGroup

	d.log.Info("dispatching frames",
		"batch_id", req.BatchID, "scene_ref", req.SceneRef,
		"frames", len(frames), "concurrency", req.Concurrency)

dispatch:
	for i, frame := range frames {
		// Acquire semaphore
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(frames); j++ {
				results[j] = FrameResult{
					Frame: frames[j],
					Err:   &RenderError{Frame: frames[j], Err: ctx.Err()},
				}
				d.emit(results[j])
			}
			break dispatch
		}

		i, frame := i, frame
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res := d.runFrame(ctx, req, frame)
			results[i] = res
			d.emit(res)
		}()
	}
	wg.Wait()

	sort.SliceStable(results, func(a, b int) bool { return results[a].Frame < results[b].Frame })
	return results, nil
}

func (d *Dispatcher) emit(res FrameResult) {
	if d.cfg.OnResult == nil {
		return
	}
	d.resultMu.Lock()
	defer d.resultMu.Unlock()
	d.cfg.OnResult(res)
}

// FrameScratchDir is where a frame unit's outputs are captured.
func FrameScratchDir(root, batchID string, frame int) string {
	return filepath.Join(root, batchID, fmt.Sprintf("frame_%04d", frame))
}

// runFrame is one frame unit: redirect a private graph clone, render,
// collect, restore. It never panics.
func (d *Dispatcher) runFrame(ctx context.Context, req RenderRequest, frame int) (res FrameResult) {
	start := time.Now()
	log := logging.FrameLogger(req.BatchID, frame)
	res = FrameResult{Frame: frame, ScratchDir: FrameScratchDir(d.cfg.ScratchRoot, req.BatchID, frame)}

	if d.cfg.FrameTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.FrameTimeout)
		defer cancel()
	}

	d.cfg.Metrics.FrameStarted()
	defer func() {
		if r := recover(); r != nil {
			res.Err = &RenderError{Frame: frame, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Duration = time.Since(start)
		d.cfg.Metrics.FrameFinished(req.SceneRef, failureStage(res.Err), res.Duration.Seconds())
		if res.Err != nil {
			log.Error("frame failed", "error", res.Err, "duration", res.Duration)
		} else {
			log.Info("frame rendered", "files", len(res.Files), "duration", res.Duration)
		}
	}()

	outputs := req.Outputs.Clone()
	snap, err := graph.WithRedirect(&outputs, res.ScratchDir, log, func() error {
		job := worker.Job{
			SceneRef:   req.SceneRef,
			Frame:      frame,
			GPU:        req.GPU,
			Outputs:    outputs.Clone(),
			ScratchDir: res.ScratchDir,
		}
		if err := d.renderer.Render(ctx, job); err != nil {
			return &RenderError{Frame: frame, Err: err}
		}
		files, err := graph.Collect(res.ScratchDir)
		if err != nil {
			return &RenderError{Frame: frame, Err: err}
		}
		res.Files = files
		return nil
	})
	res.Snapshot = snap

	switch {
	case err == nil:
	case errors.Is(err, graph.ErrScratchDir):
		res.Err = &RedirectError{Frame: frame, Err: err}
	default:
		res.Err = err
	}
	return res
}

func failureStage(err error) string {
	if err == nil {
		return ""
	}
	var rerr *RedirectError
	if errors.As(err, &rerr) {
		return "redirect"
	}
	return "render"
}
