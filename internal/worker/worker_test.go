package worker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/storage"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func testGraph() graph.OutputGraph {
	return graph.OutputGraph{Nodes: []graph.OutputNode{
		{Name: "main", BasePath: "//renders/main", Slots: []graph.OutputSlot{{Name: "rgba", Path: "main.####.exr"}}},
		{Name: "data", BasePath: "//renders/data", Slots: []graph.OutputSlot{{Name: "depth", Path: "depth/data.####.exr"}}},
	}}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.0003.exr"), "main")
	writeFile(t, filepath.Join(src, "depth", "data.0003.exr"), "depth")

	var buf bytes.Buffer
	if err := WriteArchive(&buf, src); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	dst := t.TempDir()
	n, err := ExtractArchive(&buf, dst)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if n != 2 {
		t.Errorf("extracted %d files, want 2", n)
	}

	got, err := graph.Collect(dst)
	if err != nil {
		t.Fatal(err)
	}
	for rel, want := range map[string]string{"main.0003.exr": "main", "depth/data.0003.exr": "depth"} {
		data, err := os.ReadFile(got[rel])
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", rel, data, want)
		}
	}
}

func TestExtractArchiveRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	body := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write(body)
	tw.Close()
	zw.Close()

	dst := t.TempDir()
	if _, err := ExtractArchive(&buf, dst); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dst), "escape.txt")); err == nil {
		t.Error("file escaped the target directory")
	}
}

func TestExpandArgs(t *testing.T) {
	args := []string{"-b", "{scene}", "-f", "{frame}", "--outputs={outputs}", "{unknown}"}
	got := ExpandArgs(args, map[string]string{
		"scene":   "/tmp/shot.blend",
		"frame":   "12",
		"outputs": "/tmp/out.yaml",
	})
	want := []string{"-b", "/tmp/shot.blend", "-f", "12", "--outputs=/tmp/out.yaml", "{unknown}"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandArgs = %v, want %v", got, want)
	}
}

func TestJobDevice(t *testing.T) {
	if d := (Job{GPU: true}).Device(); d != "GPU" {
		t.Errorf("GPU device = %q", d)
	}
	if d := (Job{}).Device(); d != "CPU" {
		t.Errorf("CPU device = %q", d)
	}
}

// fakeEngine writes one file per slot under the redirected base paths, the way
// the engine does.
func fakeEngine(seen chan<- Job) Renderer {
	return RendererFunc(func(ctx context.Context, job Job) error {
		if seen != nil {
			cp := job
			cp.Outputs = job.Outputs.Clone()
			seen <- cp
		}
		for _, n := range job.Outputs.Nodes {
			for _, s := range n.Slots {
				p := filepath.Join(n.BasePath, filepath.FromSlash(graph.SubstituteFrame(s.Path, job.Frame)))
				if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
					return err
				}
				if err := os.WriteFile(p, []byte(n.Name+"/"+s.Name), 0644); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func TestHTTPClientServerRoundTrip(t *testing.T) {
	seen := make(chan Job, 1)
	srv := NewServer(fakeEngine(seen), t.TempDir())
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	// the farm side has already redirected to its own scratch
	farmScratch := filepath.Join(t.TempDir(), "frame_0007")
	outputs := testGraph()
	if _, err := outputs.Redirect(farmScratch); err != nil {
		t.Fatal(err)
	}

	client := NewHTTPClient(ts.URL, 0)
	err := client.Render(context.Background(), Job{
		SceneRef:   "scenes/shot.blend",
		Frame:      7,
		GPU:        true,
		Outputs:    outputs,
		ScratchDir: farmScratch,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	job := <-seen
	if job.Frame != 7 || !job.GPU || job.SceneRef != "scenes/shot.blend" {
		t.Errorf("worker saw %+v", job)
	}
	if job.Outputs.Nodes[0].BasePath == farmScratch {
		t.Error("worker rendered into the farm's scratch path instead of its own")
	}

	files, err := graph.Collect(farmScratch)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"main.0007.exr", "depth/data.0007.exr"}
	for _, rel := range want {
		if _, ok := files[rel]; !ok {
			t.Errorf("missing %s in %v", rel, files)
		}
	}
	if len(files) != len(want) {
		t.Errorf("got %d files, want %d", len(files), len(want))
	}
}

func TestHTTPClientWorkerFailure(t *testing.T) {
	failing := RendererFunc(func(ctx context.Context, job Job) error {
		return errors.New("engine crashed")
	})
	ts := httptest.NewServer(NewServer(failing, t.TempDir()).Routes())
	defer ts.Close()

	err := NewHTTPClient(ts.URL, 0).Render(context.Background(), Job{
		SceneRef:   "shot.blend",
		Frame:      1,
		Outputs:    testGraph(),
		ScratchDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "engine crashed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestServerRejectsBadRequest(t *testing.T) {
	ts := httptest.NewServer(NewServer(fakeEngine(nil), t.TempDir()).Routes())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/render", "application/json", strings.NewReader(`{"frame": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", res.StatusCode)
	}
}

func TestCommandRenderer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	scene := filepath.Join(t.TempDir(), "shot.blend")
	writeFile(t, scene, "scene")
	scratch := t.TempDir()

	r := NewCommandRenderer("sh", []string{"-c", `test -f "$1" && test -f "$2" && echo "$4" > "$3/out_$5.txt"`, "sh",
		"{scene}", "{outputs}", "{scratch}", "{device}", "{frame}"}, nil, t.TempDir())

	err := r.Render(context.Background(), Job{SceneRef: scene, Frame: 4, Outputs: testGraph(), ScratchDir: scratch})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(scratch, "out_4.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "CPU" {
		t.Errorf("device = %q", data)
	}
}

func TestCommandRendererFailureIncludesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	scene := filepath.Join(t.TempDir(), "shot.blend")
	writeFile(t, scene, "scene")

	r := NewCommandRenderer("sh", []string{"-c", "echo 'out of memory' >&2; exit 3"}, nil, t.TempDir())
	err := r.Render(context.Background(), Job{SceneRef: scene, Frame: 1, Outputs: testGraph(), ScratchDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("expected engine output in error, got %v", err)
	}
}

func TestCommandRendererFetchesSharedScene(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	store, err := storage.NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Put(context.Background(), "scenes/shot.blend", strings.NewReader("shared scene")); err != nil {
		t.Fatal(err)
	}

	cache := t.TempDir()
	scratch := t.TempDir()
	r := NewCommandRenderer("sh", []string{"-c", `cp "$1" "$2/scene_copy"`, "sh", "{scene}", "{scratch}"}, store, cache)

	for i := 0; i < 2; i++ {
		if err := r.Render(context.Background(), Job{SceneRef: "scenes/shot.blend", Frame: 1, Outputs: testGraph(), ScratchDir: scratch}); err != nil {
			t.Fatalf("Render #%d: %v", i, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(scratch, "scene_copy"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "shared scene" {
		t.Errorf("scene copy = %q", data)
	}
	if _, err := os.Stat(filepath.Join(cache, "scenes", "scenes", "shot.blend")); err != nil {
		t.Errorf("scene not cached: %v", err)
	}

	err = r.Render(context.Background(), Job{SceneRef: "scenes/missing.blend", Frame: 1, Outputs: testGraph(), ScratchDir: scratch})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing scene, got %v", err)
	}
}
