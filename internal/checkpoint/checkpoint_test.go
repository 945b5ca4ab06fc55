package checkpoint

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestFileManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Load(ctx, "/shots/010/shot.blend"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	cp := &Checkpoint{Scene: "/shots/010/shot.blend", LastBatchID: "b1", UpdatedAt: time.Now().UTC()}
	cp.MarkCompleted(12, 10, 11)
	if err := m.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Load(ctx, "/shots/010/shot.blend")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got.CompletedFrames, []int{10, 11, 12}) {
		t.Errorf("completed = %v", got.CompletedFrames)
	}

	// same base name, different shot
	if _, err := m.Load(ctx, "/shots/020/shot.blend"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("checkpoint leaked across scenes: %v", err)
	}
}

func TestMarkCompletedDeduplicates(t *testing.T) {
	var cp Checkpoint
	cp.MarkCompleted(3, 1)
	cp.MarkCompleted(1, 2, 3)
	if !reflect.DeepEqual(cp.CompletedFrames, []int{1, 2, 3}) {
		t.Errorf("completed = %v", cp.CompletedFrames)
	}
}

func TestRemaining(t *testing.T) {
	cp := &Checkpoint{}
	cp.MarkCompleted(10, 12)

	got := cp.Remaining([]int{10, 11, 12, 13, 14})
	if !reflect.DeepEqual(got, []int{11, 13, 14}) {
		t.Errorf("Remaining = %v", got)
	}

	var none *Checkpoint
	if got := none.Remaining([]int{1, 2}); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("nil checkpoint Remaining = %v", got)
	}
}

func TestDisabledManager(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save(context.Background(), &Checkpoint{Scene: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(context.Background(), "x"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected ErrNoCheckpoint, got %v", err)
	}
}
