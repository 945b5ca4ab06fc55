// Package farm runs render batches: it prepares the scene, fans frames out to
// workers with bounded concurrency, and reconciles what the workers produced
// back into the job's configured output layout.
package farm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/withObsrvr/obsrvr-render-farm/internal/catalog"
	"github.com/withObsrvr/obsrvr-render-farm/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/metrics"
	"github.com/withObsrvr/obsrvr-render-farm/internal/notify"
	"github.com/withObsrvr/obsrvr-render-farm/internal/report"
	"github.com/withObsrvr/obsrvr-render-farm/internal/scene"
	"github.com/withObsrvr/obsrvr-render-farm/internal/upload"
)

// ScenePreparer makes a local scene available to workers.
type ScenePreparer interface {
	Prepare(ctx context.Context, scenePath string) (scene.Ref, error)
}

// Config holds orchestration policy.
type Config struct {
	KeepScratch bool
	FallbackDir string
}

// Deps are the collaborators of a Farm. Only Preparer and Dispatcher are
// required.
type Deps struct {
	Preparer    ScenePreparer
	Dispatcher  *Dispatcher
	Sink        upload.Sink
	Checkpoints checkpoint.Manager
	Catalog     catalog.Writer
	Reports     *report.Writer
	Notifier    notify.Emitter
	Metrics     *metrics.Metrics
}

// Farm runs batches.
type Farm struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates a farm. Missing optional dependencies are replaced by no-op
// implementations.
func New(cfg Config, deps Deps) *Farm {
	if deps.Sink == nil {
		deps.Sink = upload.NewDisabledSink()
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if deps.Catalog == nil {
		deps.Catalog, _ = catalog.NewWriter(catalog.Config{})
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewEmitter(notify.Config{})
	}
	return &Farm{cfg: cfg, deps: deps, log: logging.Component("farm")}
}

// Job is one user submission.
type Job struct {
	ScenePath    string
	Outputs      graph.OutputGraph
	Frames       FrameSpec
	Concurrency  int
	GPU          bool
	Upload       bool
	UploadFolder string
	Resume       bool
}

// FrameOutcome is the user-facing result of one frame.
type FrameOutcome struct {
	Frame    int
	OK       bool
	Message  string
	Err      error
	Duration time.Duration
	Outputs  []string
}

// Summary is the result of a dispatched batch.
type Summary struct {
	BatchID     string
	Scene       string
	SceneURI    string
	Requested   int
	Skipped     int
	Succeeded   int
	Failed      int
	Frames      []FrameOutcome
	Artifacts   []ReconciledArtifact
	ReportPaths []string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Outcome classifies the batch for metrics and exit codes.
func (s *Summary) Outcome() string {
	switch {
	case s.Failed == 0:
		return "complete"
	case s.Succeeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

// Run executes a batch end to end. It returns an error, and no summary, only
// when the batch could not be dispatched at all: an invalid job or a
// PreparationError. Frame failures, reconciliation warnings and upload errors
// are reported in the summary.
func (f *Farm) Run(ctx context.Context, job Job) (*Summary, error) {
	if err := job.Outputs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := job.Frames.Validate(); err != nil {
		return nil, err
	}
	scenePath, err := filepath.Abs(job.ScenePath)
	if err != nil {
		return nil, fmt.Errorf("%w: scene path: %v", ErrInvalidRequest, err)
	}

	batchID := logging.GenerateBatchID()
	ctx = logging.WithBatchID(ctx, batchID)
	log := logging.BatchLogger(batchID, filepath.Base(scenePath))

	req := RenderRequest{
		BatchID:     batchID,
		SceneRef:    scene.Key(scenePath),
		Outputs:     job.Outputs,
		Frames:      job.Frames,
		Concurrency: job.Concurrency,
		GPU:         job.GPU,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sum := &Summary{
		BatchID:   batchID,
		Scene:     scenePath,
		Requested: job.Frames.Len(),
		StartedAt: time.Now().UTC(),
	}

	prepStart := time.Now()
	ref, err := f.deps.Preparer.Prepare(ctx, scenePath)
	if err != nil {
		return nil, &PreparationError{Scene: scenePath, Err: err}
	}
	f.deps.Metrics.ObservePrepareDuration(time.Since(prepStart).Seconds())
	if ref.Uploaded {
		f.deps.Metrics.IncSceneUploads("uploaded")
	} else {
		f.deps.Metrics.IncSceneUploads("skipped")
	}
	req.SceneRef = ref.Key
	sum.SceneURI = ref.URI

	frames := job.Frames.Frames()
	if job.Resume {
		frames = f.remaining(ctx, log, scenePath, frames)
		sum.Skipped = sum.Requested - len(frames)
		f.deps.Metrics.AddFramesSkipped(req.SceneRef, sum.Skipped)
	}

	log.Info("batch started", "frames", job.Frames.String(), "pending", len(frames),
		"skipped", sum.Skipped, "concurrency", job.Concurrency, "gpu", job.GPU)

	var results []FrameResult
	if len(frames) > 0 {
		results, err = f.deps.Dispatcher.SubmitFrames(ctx, req, frames)
		if err != nil {
			return nil, err
		}
	}

	reconciler := NewReconciler(filepath.Dir(scenePath), f.cfg.FallbackDir, f.deps.Metrics)
	var completed []int
	for _, res := range results {
		outcome := f.finishFrame(ctx, log, job, reconciler, res, sum)
		if outcome.OK {
			sum.Succeeded++
			completed = append(completed, res.Frame)
		} else {
			sum.Failed++
		}
		sum.Frames = append(sum.Frames, outcome)
	}

	f.saveCheckpoint(ctx, log, scenePath, batchID, completed)
	sum.FinishedAt = time.Now().UTC()

	if err := f.deps.Catalog.RecordBatch(ctx, catalogRecord(sum, job.Frames, ref.Hash)); err != nil {
		log.Warn("catalog write failed", "error", err)
	}
	paths, err := f.deps.Reports.Write(reportOf(sum))
	if err != nil {
		log.Warn("report write failed", "error", err)
	}
	sum.ReportPaths = paths

	if err := f.deps.Notifier.EmitBatch(ctx, eventOf(sum)); err != nil {
		log.Warn("batch notification failed", "error", err)
	}

	if !f.cfg.KeepScratch && f.deps.Dispatcher.cfg.ScratchRoot != "" {
		if err := os.RemoveAll(filepath.Join(f.deps.Dispatcher.cfg.ScratchRoot, batchID)); err != nil {
			log.Warn("scratch cleanup failed", "error", err)
		}
	}

	f.deps.Metrics.IncBatches(sum.Outcome())
	log.Info("batch finished", "succeeded", sum.Succeeded, "failed", sum.Failed,
		"skipped", sum.Skipped, "artifacts", len(sum.Artifacts),
		"duration", sum.FinishedAt.Sub(sum.StartedAt))
	return sum, nil
}

// finishFrame reconciles and uploads one result and builds its outcome.
func (f *Farm) finishFrame(ctx context.Context, log *slog.Logger, job Job, rec *Reconciler, res FrameResult, sum *Summary) FrameOutcome {
	out := FrameOutcome{Frame: res.Frame, Duration: res.Duration}
	if !res.OK() {
		out.Err = res.Err
		out.Message = fmt.Sprintf("Frame %d failed: %v", res.Frame, unwrapFrame(res.Err))
		return out
	}

	artifacts, err := rec.Reconcile(ctx, res)
	if err != nil {
		log.Warn("reconciliation incomplete", "frame", res.Frame, "error", err)
		for _, a := range artifacts {
			out.Outputs = append(out.Outputs, a.Destination)
		}
		sum.Artifacts = append(sum.Artifacts, artifacts...)
		out.Err = &PlacementError{Frame: res.Frame, Err: err}
		out.Message = fmt.Sprintf("Frame %d failed: %v", res.Frame, unwrapFrame(out.Err))
		return out
	}
	for i, a := range artifacts {
		out.Outputs = append(out.Outputs, a.Destination)
		if job.Upload {
			artifacts[i].Uploaded = f.uploadArtifact(ctx, log, a, job.UploadFolder)
		}
	}
	sum.Artifacts = append(sum.Artifacts, artifacts...)

	out.OK = true
	out.Message = fmt.Sprintf("Frame %d rendered successfully", res.Frame)
	return out
}

func (f *Farm) uploadArtifact(ctx context.Context, log *slog.Logger, a ReconciledArtifact, folder string) bool {
	if f.deps.Sink.Capability() == upload.Disabled {
		return false
	}
	err := f.deps.Sink.Put(ctx, a.Destination, folder)
	switch {
	case err == nil:
		return true
	case errors.Is(err, upload.ErrUnavailable):
		// the sink already warned
	default:
		log.Warn("upload failed", "frame", a.Frame, "path", a.Destination, "error", err)
	}
	return false
}

func (f *Farm) remaining(ctx context.Context, log *slog.Logger, scenePath string, frames []int) []int {
	cp, err := f.deps.Checkpoints.Load(ctx, scenePath)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			log.Warn("checkpoint unreadable, rendering every frame", "error", err)
		}
		return frames
	}
	return cp.Remaining(frames)
}

func (f *Farm) saveCheckpoint(ctx context.Context, log *slog.Logger, scenePath, batchID string, completed []int) {
	if len(completed) == 0 {
		return
	}
	cp, err := f.deps.Checkpoints.Load(ctx, scenePath)
	if err != nil {
		cp = &checkpoint.Checkpoint{Scene: scenePath}
	}
	cp.MarkCompleted(completed...)
	cp.LastBatchID = batchID
	cp.UpdatedAt = time.Now().UTC()
	if err := f.deps.Checkpoints.Save(ctx, cp); err != nil {
		log.Warn("checkpoint save failed", "error", err)
	}
}

// unwrapFrame drops the "frame N:" prefix the frame errors carry, since
// outcome messages already name the frame.
func unwrapFrame(err error) error {
	var rerr *RenderError
	if errors.As(err, &rerr) && rerr.Err != nil {
		return rerr.Err
	}
	var derr *RedirectError
	if errors.As(err, &derr) && derr.Err != nil {
		return fmt.Errorf("redirect outputs: %w", derr.Err)
	}
	var perr *PlacementError
	if errors.As(err, &perr) && perr.Err != nil {
		return fmt.Errorf("place outputs: %w", perr.Err)
	}
	return err
}

func catalogRecord(sum *Summary, spec FrameSpec, sceneHash string) catalog.BatchRecord {
	rec := catalog.BatchRecord{
		BatchID:    sum.BatchID,
		Scene:      sum.Scene,
		SceneURI:   sum.SceneURI,
		SceneHash:  sceneHash,
		FrameStart: spec.Start,
		FrameEnd:   spec.End,
		Requested:  sum.Requested,
		Skipped:    sum.Skipped,
		Succeeded:  sum.Succeeded,
		Failed:     sum.Failed,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
	}
	for _, o := range sum.Frames {
		fr := catalog.FrameRecord{Frame: o.Frame, Succeeded: o.OK, Duration: o.Duration, Outputs: o.Outputs}
		if o.Err != nil {
			fr.Error = o.Err.Error()
		}
		rec.Frames = append(rec.Frames, fr)
	}
	return rec
}

func reportOf(sum *Summary) report.Report {
	r := report.Report{
		BatchID:    sum.BatchID,
		Scene:      sum.Scene,
		SceneURI:   sum.SceneURI,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Requested:  sum.Requested,
		Skipped:    sum.Skipped,
		Succeeded:  sum.Succeeded,
		Failed:     sum.Failed,
	}
	for _, o := range sum.Frames {
		r.Frames = append(r.Frames, report.FrameRow{
			Frame:      o.Frame,
			Succeeded:  o.OK,
			Message:    o.Message,
			DurationMS: o.Duration.Milliseconds(),
		})
	}
	for _, a := range sum.Artifacts {
		r.Artifacts = append(r.Artifacts, report.Artifact{
			Frame:       int32(a.Frame),
			Node:        a.Node,
			Slot:        a.Slot,
			Matched:     a.Matched,
			Source:      a.Rel,
			Destination: a.Destination,
			SizeBytes:   a.Size,
			Uploaded:    a.Uploaded,
			WrittenAt:   sum.FinishedAt,
		})
	}
	return r
}

func eventOf(sum *Summary) notify.Event {
	evt := notify.Event{
		BatchID:   sum.BatchID,
		Scene:     sum.Scene,
		SceneURI:  sum.SceneURI,
		Outcome:   sum.Outcome(),
		Requested: sum.Requested,
		Skipped:   sum.Skipped,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		Artifacts: len(sum.Artifacts),
		Producer:  notify.ProducerInfo{Name: "render-farm", Version: Version, GitSHA: GitSHA},
	}
	for _, o := range sum.Frames {
		if !o.OK {
			evt.FailedOn = append(evt.FailedOn, o.Frame)
		}
	}
	return evt
}
