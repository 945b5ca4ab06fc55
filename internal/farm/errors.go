package farm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when a request breaks its invariants.
	ErrInvalidRequest = errors.New("invalid render request")

	// ErrRenderFailed matches every per-frame failure, including redirect
	// failures.
	ErrRenderFailed = errors.New("render failed")
)

// PreparationError means the scene could not be made available to workers.
// It aborts the batch before any frame is dispatched.
type PreparationError struct {
	Scene string
	Err   error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("prepare %s: %v", e.Scene, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

// RenderError is a single frame's failure. Sibling frames are unaffected.
type RenderError struct {
	Frame int
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRenderFailed) hold.
func (e *RenderError) Is(target error) bool { return target == ErrRenderFailed }

// RedirectError is a frame whose outputs could not be pointed at scratch.
// The frame is not rendered and counts as a render failure.
type RedirectError struct {
	Frame int
	Err   error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("frame %d: redirect outputs: %v", e.Frame, e.Err)
}

func (e *RedirectError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRenderFailed) hold.
func (e *RedirectError) Is(target error) bool { return target == ErrRenderFailed }

// PlacementError is a rendered frame with at least one output that could not
// be copied into the job's layout. The frame counts as failed so a resumed
// batch renders it again.
type PlacementError struct {
	Frame int
	Err   error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("frame %d: place outputs: %v", e.Frame, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// ReconciliationWarning reports a produced file that matched no slot and was
// placed at a fallback location.
type ReconciliationWarning struct {
	Frame       int
	Rel         string
	Destination string
}

func (w *ReconciliationWarning) Error() string {
	return fmt.Sprintf("frame %d: no output slot matches %s, placed at %s", w.Frame, w.Rel, w.Destination)
}
