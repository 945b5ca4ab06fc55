package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func sampleEvent() Event {
	return Event{
		BatchID:   "batch-1",
		Scene:     "/shots/010/shot.blend",
		Outcome:   "partial",
		Requested: 5,
		Succeeded: 4,
		Failed:    1,
		FailedOn:  []int{12},
	}
}

func TestHTTPEmitterRetries(t *testing.T) {
	var calls atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	backup, err := NewFileBackup(dir)
	if err != nil {
		t.Fatal(err)
	}
	e := NewHTTPEmitter(srv.URL, backup)
	e.delay = time.Millisecond

	if err := e.EmitBatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if got.EventType != EventBatchFinished || got.EventID == "" || got.BatchID != "batch-1" {
		t.Errorf("posted event = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "batch-1.json")); err != nil {
		t.Errorf("backup missing: %v", err)
	}
}

func TestHTTPEmitterGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPEmitter(srv.URL, nil)
	e.delay = time.Millisecond
	if err := e.EmitBatch(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewEmitterModes(t *testing.T) {
	if _, ok := NewEmitter(Config{}).(noopEmitter); !ok {
		t.Error("empty config should be a no-op emitter")
	}

	dir := t.TempDir()
	e := NewEmitter(Config{BackupDir: dir})
	chained, ok := e.(*chainedEmitter)
	if !ok {
		t.Fatalf("backup-only config gave %T", e)
	}
	if _, ok := chained.next.(*fileOnlyEmitter); !ok {
		t.Fatalf("backup-only config wraps %T", chained.next)
	}
	if err := e.EmitBatch(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "batch-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Failed != 1 || len(evt.FailedOn) != 1 || evt.FailedOn[0] != 12 {
		t.Errorf("event = %+v", evt)
	}

	chained, ok = NewEmitter(Config{Endpoint: "http://example.invalid", BackupDir: t.TempDir()}).(*chainedEmitter)
	if !ok {
		t.Fatal("endpoint config should be chained")
	}
	if _, ok := chained.next.(*HTTPEmitter); !ok {
		t.Errorf("endpoint config wraps %T", chained.next)
	}
}

func TestChainLinksEventsPerScene(t *testing.T) {
	dir := t.TempDir()
	e := NewEmitter(Config{BackupDir: dir})

	read := func(batch string) Event {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(dir, batch+".json"))
		if err != nil {
			t.Fatal(err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatal(err)
		}
		return evt
	}

	first := sampleEvent()
	second := sampleEvent()
	second.BatchID = "batch-2"
	other := sampleEvent()
	other.BatchID = "batch-3"
	other.Scene = "/shots/020/shot.blend"
	for _, evt := range []Event{first, second, other} {
		if err := e.EmitBatch(context.Background(), evt); err != nil {
			t.Fatal(err)
		}
	}

	a, b, c := read("batch-1"), read("batch-2"), read("batch-3")
	if a.Chain.PreviousHash != "" || a.Chain.EventHash == "" {
		t.Errorf("first chain = %+v", a.Chain)
	}
	if b.Chain.PreviousHash != a.Chain.EventHash {
		t.Errorf("second links to %q, want %q", b.Chain.PreviousHash, a.Chain.EventHash)
	}
	if c.Chain.PreviousHash != "" {
		t.Errorf("other scene should start a new chain: %+v", c.Chain)
	}
	if EventHash(b) != b.Chain.EventHash {
		t.Error("stored hash does not match event content")
	}

	// heads survive a restart
	ct, err := NewChainTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ct.Head(first.Scene) != b.Chain.EventHash {
		t.Errorf("persisted head = %q", ct.Head(first.Scene))
	}
}
