// Package report writes the per-batch summary file and an optional parquet
// table of every reconciled artifact.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Report is the persisted summary of one batch.
type Report struct {
	BatchID    string     `json:"batch_id"`
	Scene      string     `json:"scene"`
	SceneURI   string     `json:"scene_uri,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Requested  int        `json:"requested"`
	Skipped    int        `json:"skipped"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Frames     []FrameRow `json:"frames"`
	Artifacts  []Artifact `json:"artifacts"`
}

// FrameRow is one frame's outcome.
type FrameRow struct {
	Frame      int    `json:"frame"`
	Succeeded  bool   `json:"succeeded"`
	Message    string `json:"message"`
	DurationMS int64  `json:"duration_ms"`
}

// Artifact is one reconciled output file. The parquet tags define the
// artifact table layout.
type Artifact struct {
	BatchID     string    `json:"-" parquet:"batch_id"`
	Frame       int32     `json:"frame" parquet:"frame"`
	Node        string    `json:"node,omitempty" parquet:"node,optional"`
	Slot        string    `json:"slot,omitempty" parquet:"slot,optional"`
	Matched     bool      `json:"matched" parquet:"matched"`
	Source      string    `json:"source" parquet:"source"`
	Destination string    `json:"destination" parquet:"destination"`
	SizeBytes   int64     `json:"size_bytes" parquet:"size_bytes"`
	Uploaded    bool      `json:"uploaded" parquet:"uploaded"`
	WrittenAt   time.Time `json:"written_at" parquet:"written_at,timestamp(millisecond)"`
}

// Writer persists reports under Dir.
type Writer struct {
	Dir     string
	Parquet bool
}

// NewWriter creates a report writer. An empty dir disables reports.
func NewWriter(dir string, withParquet bool) *Writer {
	return &Writer{Dir: dir, Parquet: withParquet}
}

// Write stores <batch_id>.json and, when enabled, <batch_id>.parquet. It
// returns the paths written.
func (w *Writer) Write(r Report) ([]string, error) {
	if w == nil || w.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	var paths []string
	jsonPath := filepath.Join(w.Dir, r.BatchID+".json")
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	if err := writeAtomic(jsonPath, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	}); err != nil {
		return nil, err
	}
	paths = append(paths, jsonPath)

	if w.Parquet {
		rows := make([]Artifact, len(r.Artifacts))
		for i, a := range r.Artifacts {
			a.BatchID = r.BatchID
			rows[i] = a
		}
		pqPath := filepath.Join(w.Dir, r.BatchID+".parquet")
		err := writeAtomic(pqPath, func(f *os.File) error {
			pw := parquet.NewGenericWriter[Artifact](f)
			if _, err := pw.Write(rows); err != nil {
				return err
			}
			return pw.Close()
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, pqPath)
	}
	return paths, nil
}

// Load reads a JSON report.
func Load(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse report %s: %w", path, err)
	}
	return r, nil
}

// LoadArtifacts reads the parquet artifact table.
func LoadArtifacts(path string) ([]Artifact, error) {
	rows, err := parquet.ReadFile[Artifact](path)
	if err != nil {
		return nil, fmt.Errorf("read artifacts %s: %w", path, err)
	}
	return rows, nil
}

func writeAtomic(path string, fill func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
