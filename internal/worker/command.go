package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/storage"
)

// CommandRenderer renders a frame by running the render engine as a child
// process. Args may contain the placeholders {scene}, {frame}, {outputs},
// {scratch} and {device}; {outputs} is a YAML file holding the redirected
// output graph.
type CommandRenderer struct {
	Command string
	Args    []string

	// Scenes resolves scene refs. When nil, refs are local file paths.
	Scenes storage.Store

	// CacheDir holds downloaded scenes and per-job output graph files.
	CacheDir string

	mu  sync.Mutex
	log *slog.Logger
}

// NewCommandRenderer creates a renderer running command with args.
func NewCommandRenderer(command string, args []string, scenes storage.Store, cacheDir string) *CommandRenderer {
	return &CommandRenderer{
		Command:  command,
		Args:     args,
		Scenes:   scenes,
		CacheDir: cacheDir,
		log:      logging.Component("command_renderer"),
	}
}

// Render fetches the scene, writes the output graph and runs the engine.
func (r *CommandRenderer) Render(ctx context.Context, job Job) error {
	scenePath, err := r.fetchScene(ctx, job.SceneRef)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(r.CacheDir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	outputs, err := os.CreateTemp(r.CacheDir, fmt.Sprintf("outputs-%04d-*.yaml", job.Frame))
	if err != nil {
		return fmt.Errorf("create outputs file: %w", err)
	}
	outputsPath := outputs.Name()
	outputs.Close()
	defer os.Remove(outputsPath)

	if err := graph.Save(outputsPath, job.Outputs); err != nil {
		return err
	}

	args := ExpandArgs(r.Args, map[string]string{
		"scene":   scenePath,
		"frame":   strconv.Itoa(job.Frame),
		"outputs": outputsPath,
		"scratch": job.ScratchDir,
		"device":  job.Device(),
	})

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = job.ScratchDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger().Info("running render engine", "frame", job.Frame, "command", r.Command, "device", job.Device())
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("render frame %d: %w", job.Frame, ctx.Err())
		}
		return fmt.Errorf("render frame %d: %w: %s", job.Frame, err, tail(out.String(), 512))
	}
	return nil
}

// fetchScene returns a local path for ref, downloading it into the cache when
// the cached copy is missing or older than the stored one.
func (r *CommandRenderer) fetchScene(ctx context.Context, ref string) (string, error) {
	if r.Scenes == nil {
		if _, err := os.Stat(ref); err != nil {
			return "", fmt.Errorf("scene %s: %w", ref, err)
		}
		return ref, nil
	}

	if !filepath.IsLocal(filepath.FromSlash(ref)) {
		return "", fmt.Errorf("scene ref %q is not a relative key", ref)
	}
	local := filepath.Join(r.CacheDir, "scenes", filepath.FromSlash(ref))

	// concurrent frames of the same scene share one download
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.Scenes.Head(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("scene %s missing from shared storage: %w", ref, err)
		}
		return "", err
	}
	if st, err := os.Stat(local); err == nil && st.Size() == info.Size && !st.ModTime().Before(info.ModTime) {
		return local, nil
	}

	if err := r.Scenes.Download(ctx, ref, local); err != nil {
		return "", fmt.Errorf("fetch scene %s: %w", ref, err)
	}
	return local, nil
}

func (r *CommandRenderer) logger() *slog.Logger {
	if r.log == nil {
		return slog.Default()
	}
	return r.log
}

// ExpandArgs substitutes {name} placeholders in every argument.
func ExpandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	rep := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = rep.Replace(a)
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

var _ Renderer = (*CommandRenderer)(nil)
