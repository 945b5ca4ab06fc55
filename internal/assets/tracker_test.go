package assets

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "tracker", "asset_tracker.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestLookupAbsent(t *testing.T) {
	tr := openTracker(t)
	hash, ok, err := tr.Lookup(context.Background(), "/assets/tex.png")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok || hash != "" {
		t.Errorf("Lookup on empty tracker = %q, %v", hash, ok)
	}
}

func TestRecordUpserts(t *testing.T) {
	tr := openTracker(t)
	ctx := context.Background()
	path := "/assets/tex.png"
	t1 := time.Unix(1700000000, 0)
	t2 := time.Unix(1700000500, 250_000_000)

	if err := tr.Record(ctx, path, "h1", t1); err != nil {
		t.Fatalf("Record h1: %v", err)
	}
	if err := tr.Record(ctx, path, "h2", t2); err != nil {
		t.Fatalf("Record h2: %v", err)
	}

	hash, ok, err := tr.Lookup(ctx, path)
	if err != nil || !ok {
		t.Fatalf("Lookup = %q, %v, %v", hash, ok, err)
	}
	if hash != "h2" {
		t.Errorf("Lookup = %q, want h2", hash)
	}

	var rows int
	if err := tr.db.QueryRow("SELECT COUNT(*) FROM assets WHERE path = ?", path).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("%d rows for %s, want 1", rows, path)
	}

	rec, err := tr.Get(ctx, path)
	if err != nil || rec == nil {
		t.Fatalf("Get = %v, %v", rec, err)
	}
	if d := rec.Modified.Sub(t2); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("Modified = %v, want %v", rec.Modified, t2)
	}
}

func TestTrackerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asset_tracker.db")
	ctx := context.Background()

	tr, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(ctx, "/scene.blend", "abc", time.Now()); err != nil {
		t.Fatal(err)
	}
	tr.Close()

	tr, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	hash, ok, err := tr.Lookup(ctx, "/scene.blend")
	if err != nil || !ok || hash != "abc" {
		t.Errorf("after reopen Lookup = %q, %v, %v", hash, ok, err)
	}
}

func TestHashFileMatchesWholeContent(t *testing.T) {
	// larger than one chunk and not a multiple of it
	data := bytes.Repeat([]byte("render-farm"), 1000)
	path := filepath.Join(t.TempDir(), "asset.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	sum := md5.Sum(data)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}
}

func TestNeedsUpload(t *testing.T) {
	tr := openTracker(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tex.png")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	need, hash, err := NeedsUpload(ctx, tr, path)
	if err != nil || !need {
		t.Fatalf("first NeedsUpload = %v, %v", need, err)
	}
	if err := tr.Record(ctx, path, hash, time.Now()); err != nil {
		t.Fatal(err)
	}

	need, _, err = NeedsUpload(ctx, tr, path)
	if err != nil || need {
		t.Errorf("unchanged file NeedsUpload = %v, %v", need, err)
	}

	if err := os.WriteFile(path, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	need, _, err = NeedsUpload(ctx, tr, path)
	if err != nil || !need {
		t.Errorf("changed file NeedsUpload = %v, %v", need, err)
	}
}
