package graph

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func sampleGraph() OutputGraph {
	return OutputGraph{Nodes: []OutputNode{
		{
			Name:     "main",
			BasePath: "/shots/010/main",
			Slots:    []OutputSlot{{Name: "rgba", Path: "main.####.exr"}},
		},
		{
			Name:     "data",
			BasePath: "//renders/data",
			Slots: []OutputSlot{
				{Name: "normal", Path: "data.####.exr"},
				{Name: "depth", Path: "depth/data_depth.####.exr"},
			},
		},
	}}
}

func TestRedirectRestoreRoundTrip(t *testing.T) {
	g := sampleGraph()
	orig := g.Clone()
	scratch := filepath.Join(t.TempDir(), "frame_0001")

	snap, err := g.Redirect(scratch)
	if err != nil {
		t.Fatalf("Redirect: %v", err)
	}
	if _, err := os.Stat(scratch); err != nil {
		t.Fatalf("scratch dir not created: %v", err)
	}
	for i, n := range g.Nodes {
		if n.BasePath != scratch {
			t.Errorf("node %d base = %q, want scratch", i, n.BasePath)
		}
		if !reflect.DeepEqual(n.Slots, orig.Nodes[i].Slots) {
			t.Errorf("node %d slots changed by redirect", i)
		}
	}

	if err := g.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(g, orig) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", g, orig)
	}

	// idempotent
	if err := g.Restore(snap); err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	if !reflect.DeepEqual(g, orig) {
		t.Error("second restore changed the graph")
	}
}

func TestRedirectRestore_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	scratch := t.TempDir()

	properties.Property("restore(redirect(G)) == G", prop.ForAll(
		func(bases []string, slotPaths []string) bool {
			g := OutputGraph{}
			for _, b := range bases {
				n := OutputNode{Name: b, BasePath: "/out/" + b}
				for j, p := range slotPaths {
					n.Slots = append(n.Slots, OutputSlot{Name: b + string(rune('a'+j%26)), Path: p + ".####.exr"})
				}
				g.Nodes = append(g.Nodes, n)
			}
			orig := g.Clone()

			snap, err := g.Redirect(scratch)
			if err != nil {
				return false
			}
			// the render step may rewrite slot paths too; restore must undo it
			for i := range g.Nodes {
				for j := range g.Nodes[i].Slots {
					g.Nodes[i].Slots[j].Path = "mutated"
				}
			}
			if err := g.Restore(snap); err != nil {
				return false
			}
			return reflect.DeepEqual(g, orig)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestRestoreMismatch(t *testing.T) {
	g := sampleGraph()
	snap := g.Capture()
	g.Nodes = append(g.Nodes, OutputNode{Name: "extra", BasePath: "/extra"})
	g.Nodes[0].BasePath = "/moved"

	err := g.Restore(snap)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if g.Nodes[0].BasePath != "/shots/010/main" {
		t.Errorf("overlapping node not restored: %q", g.Nodes[0].BasePath)
	}
	if g.Nodes[2].BasePath != "/extra" {
		t.Errorf("extra node touched: %q", g.Nodes[2].BasePath)
	}
}

func TestRedirectScratchFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	g := sampleGraph()
	called := false
	_, err := WithRedirect(&g, filepath.Join(blocker, "scratch"), nil, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrScratchDir) {
		t.Fatalf("err = %v, want ErrScratchDir", err)
	}
	if called {
		t.Error("render ran although scratch dir could not be created")
	}
	if g.Nodes[0].BasePath != "/shots/010/main" {
		t.Error("graph mutated although redirect failed")
	}
}

func TestWithRedirectRestoresOnError(t *testing.T) {
	g := sampleGraph()
	orig := g.Clone()
	scratch := t.TempDir()
	boom := errors.New("render failed")

	snap, err := WithRedirect(&g, scratch, nil, func() error {
		if g.Nodes[0].BasePath != scratch {
			t.Errorf("base path not redirected inside fn")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want render error", err)
	}
	if len(snap) != 2 || snap[0].BasePath != "/shots/010/main" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !reflect.DeepEqual(g, orig) {
		t.Error("graph not restored after failed render")
	}
}

func TestWithRedirectRestoresOnPanic(t *testing.T) {
	g := sampleGraph()
	orig := g.Clone()

	func() {
		defer func() { recover() }()
		WithRedirect(&g, t.TempDir(), nil, func() error { panic("engine crashed") })
	}()

	if !reflect.DeepEqual(g, orig) {
		t.Error("graph not restored after panic")
	}
}

func TestCollect(t *testing.T) {
	scratch := t.TempDir()
	files := map[string]string{
		"main.0003.exr":             "main",
		"depth/data_depth.0003.exr": "depth",
	}
	for rel, body := range files {
		p := filepath.Join(scratch, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(scratch, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := Collect(scratch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Collect returned %d files, want 2: %v", len(got), got)
	}
	for rel := range files {
		abs, ok := got[rel]
		if !ok {
			t.Errorf("missing %s", rel)
			continue
		}
		if abs != filepath.Join(scratch, filepath.FromSlash(rel)) {
			t.Errorf("%s -> %s", rel, abs)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.yaml")
	g := AOVPreset()
	if err := Save(path, g); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded, g) {
		t.Error("loaded graph differs from saved graph")
	}
}
