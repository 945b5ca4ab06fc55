package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-render-farm/internal/assets"
	"github.com/withObsrvr/obsrvr-render-farm/internal/catalog"
	"github.com/withObsrvr/obsrvr-render-farm/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-render-farm/internal/config"
	"github.com/withObsrvr/obsrvr-render-farm/internal/farm"
	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/metrics"
	"github.com/withObsrvr/obsrvr-render-farm/internal/notify"
	"github.com/withObsrvr/obsrvr-render-farm/internal/report"
	"github.com/withObsrvr/obsrvr-render-farm/internal/scene"
	"github.com/withObsrvr/obsrvr-render-farm/internal/storage"
	"github.com/withObsrvr/obsrvr-render-farm/internal/upload"
	"github.com/withObsrvr/obsrvr-render-farm/internal/worker"
)

// Defaults for -animation when no explicit bounds are given.
const (
	defaultAnimationStart = 1
	defaultAnimationEnd   = 250
)

type options struct {
	scene        string
	outputs      string
	frame        int
	frameRange   string
	animation    bool
	start, end   int
	concurrency  int
	gpu          bool
	upload       bool
	uploadFolder string
	resume       bool
	configPath   string
	writePreset  string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Render Farm %s (%s)", farm.Version, farm.GitSHA)

	cfg := config.MustLoad()
	opts := parseFlags(cfg)

	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configPath, cfg); err != nil {
			log.Fatalf("[main] %v", err)
		}
		// flags not given explicitly follow the file
		opts = parseFlagsAgain(cfg, opts)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	if opts.writePreset != "" {
		if err := graph.Save(opts.writePreset, graph.AOVPreset()); err != nil {
			log.Fatalf("[main] write preset: %v", err)
		}
		log.Printf("[main] wrote AOV preset to %s", opts.writePreset)
		return
	}

	job, err := buildJob(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "render-farm: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Init("render_farm")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	scenes, err := storage.NewStore(ctx, storageConfig(cfg.Storage))
	if err != nil {
		log.Fatalf("[main] failed to create storage: %v", err)
	}
	defer scenes.Close()

	tracker, err := assets.Open(cfg.Assets.DBPath)
	if err != nil {
		log.Fatalf("[main] failed to open asset tracker: %v", err)
	}
	defer tracker.Close()

	var unpacker scene.Unpacker = scene.NopUnpacker{}
	if cfg.Assets.UnpackCommand != "" {
		unpacker = scene.CommandUnpacker{Command: cfg.Assets.UnpackCommand, Args: cfg.Assets.UnpackArgs}
	}

	renderer, err := newRenderer(cfg, scenes)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	cps, err := checkpoint.NewManager(checkpoint.Config{Enabled: cfg.Checkpoint.Enabled || opts.resume, Dir: cfg.Checkpoint.Dir})
	if err != nil {
		log.Fatalf("[main] failed to create checkpoint manager: %v", err)
	}

	cat, err := catalog.NewWriter(catalog.Config{PostgresDSN: cfg.Catalog.PostgresDSN})
	if err != nil {
		log.Printf("[main] catalog unavailable, continuing without it: %v", err)
		cat = nil
	}
	if cat != nil {
		defer cat.Close()
	}

	sink := newSink(ctx, cfg, job.Upload, m)
	defer sink.Close()

	notifier := notify.NewEmitter(notify.Config{Endpoint: cfg.Notify.Endpoint, BackupDir: cfg.Notify.BackupDir})
	defer notifier.Close()

	dispatcher := farm.NewDispatcher(renderer, farm.DispatcherConfig{
		ScratchRoot:  cfg.Farm.ScratchDir,
		FrameTimeout: cfg.Farm.FrameTimeout,
		Metrics:      m,
		OnResult: func(res farm.FrameResult) {
			if res.OK() {
				log.Printf("[frame] %d done in %s (%d files)", res.Frame, res.Duration.Round(time.Millisecond), len(res.Files))
			} else {
				log.Printf("[frame] %d failed: %v", res.Frame, res.Err)
			}
		},
	})

	f := farm.New(farm.Config{
		KeepScratch: cfg.Farm.KeepScratch,
		FallbackDir: cfg.Farm.FallbackDir,
	}, farm.Deps{
		Preparer:    scene.NewPreparer(scenes, tracker, unpacker, cfg.Farm.ScratchDir),
		Dispatcher:  dispatcher,
		Sink:        sink,
		Checkpoints: cps,
		Catalog:     cat,
		Reports:     report.NewWriter(cfg.Report.Dir, cfg.Report.Parquet),
		Notifier:    notifier,
		Metrics:     m,
	})

	sum, err := f.Run(ctx, job)
	if err != nil {
		var perr *farm.PreparationError
		if errors.As(err, &perr) {
			log.Fatalf("[main] scene preparation failed, nothing was rendered: %v", err)
		}
		log.Fatalf("[main] %v", err)
	}

	printSummary(sum)
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

func parseFlags(cfg config.Config) options {
	var o options
	flag.StringVar(&o.scene, "scene", "", "scene file to render")
	flag.StringVar(&o.outputs, "outputs", "", "output graph YAML file")
	flag.IntVar(&o.frame, "frame", -1, "render a single frame")
	flag.StringVar(&o.frameRange, "range", "", "render an inclusive frame range START:END")
	flag.BoolVar(&o.animation, "animation", false, "render the animation range given by -start and -end")
	flag.IntVar(&o.start, "start", defaultAnimationStart, "first frame of -animation")
	flag.IntVar(&o.end, "end", defaultAnimationEnd, "last frame of -animation")
	flag.IntVar(&o.concurrency, "concurrency", cfg.Farm.Concurrency, fmt.Sprintf("frames in flight (1-%d)", farm.MaxConcurrency))
	flag.BoolVar(&o.gpu, "gpu", cfg.Farm.GPU, "render on GPU")
	flag.BoolVar(&o.upload, "upload", cfg.Upload.Enabled, "upload reconciled outputs")
	flag.StringVar(&o.uploadFolder, "upload-folder", cfg.Upload.Folder, "remote folder for uploads")
	flag.BoolVar(&o.resume, "resume", false, "skip frames completed by earlier batches")
	flag.StringVar(&o.configPath, "config", "", "YAML config file overlaid on the environment")
	flag.StringVar(&o.writePreset, "write-aov-preset", "", "write the AOV preset output graph to PATH and exit")
	flag.Parse()
	return o
}

// parseFlagsAgain applies config-file values to flags the user did not set.
func parseFlagsAgain(cfg config.Config, o options) options {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["concurrency"] {
		o.concurrency = cfg.Farm.Concurrency
	}
	if !set["gpu"] {
		o.gpu = cfg.Farm.GPU
	}
	if !set["upload"] {
		o.upload = cfg.Upload.Enabled
	}
	if !set["upload-folder"] {
		o.uploadFolder = cfg.Upload.Folder
	}
	return o
}

func buildJob(o options) (farm.Job, error) {
	if o.scene == "" {
		return farm.Job{}, errors.New("-scene is required")
	}
	if o.outputs == "" {
		return farm.Job{}, errors.New("-outputs is required")
	}

	frames, err := frameSpec(o)
	if err != nil {
		return farm.Job{}, err
	}

	outputs, err := graph.Load(o.outputs)
	if err != nil {
		return farm.Job{}, err
	}

	return farm.Job{
		ScenePath:    o.scene,
		Outputs:      outputs,
		Frames:       frames,
		Concurrency:  o.concurrency,
		GPU:          o.gpu,
		Upload:       o.upload,
		UploadFolder: o.uploadFolder,
		Resume:       o.resume,
	}, nil
}

func frameSpec(o options) (farm.FrameSpec, error) {
	modes := 0
	if o.frame >= 0 {
		modes++
	}
	if o.frameRange != "" {
		modes++
	}
	if o.animation {
		modes++
	}
	if modes != 1 {
		return farm.FrameSpec{}, errors.New("exactly one of -frame, -range or -animation is required")
	}

	switch {
	case o.frame >= 0:
		return farm.Single(o.frame), nil
	case o.frameRange != "":
		return farm.ParseRange(o.frameRange)
	default:
		spec := farm.Range(o.start, o.end)
		return spec, spec.Validate()
	}
}

func storageConfig(c config.StorageConfig) storage.StorageConfig {
	return storage.StorageConfig{
		Backend:    c.Backend,
		LocalDir:   c.LocalDir,
		GCSBucket:  c.GCSBucket,
		S3Bucket:   c.S3Bucket,
		S3Endpoint: c.S3Endpoint,
		S3Region:   c.S3Region,
		Prefix:     c.Prefix,
	}
}

func newRenderer(cfg config.Config, scenes storage.Store) (worker.Renderer, error) {
	switch cfg.Worker.Mode {
	case "http":
		if cfg.Worker.Endpoint == "" {
			return nil, errors.New("WORKER_ENDPOINT is required in http worker mode")
		}
		return worker.NewHTTPClient(cfg.Worker.Endpoint, cfg.Worker.Timeout), nil
	case "command":
		return worker.NewCommandRenderer(cfg.Worker.Command, cfg.Worker.Args, scenes, cfg.Worker.CacheDir), nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.Worker.Mode)
	}
}

func newSink(ctx context.Context, cfg config.Config, requested bool, m *metrics.Metrics) *upload.BlobSink {
	if !requested {
		return upload.NewDisabledSink()
	}
	if cfg.Upload.Storage.Backend == "" {
		return upload.NewBlobSink(nil, m)
	}
	store, err := storage.NewStore(ctx, storageConfig(cfg.Upload.Storage))
	if err != nil {
		log.Printf("[upload] sink unavailable: %v", err)
		return upload.NewBlobSink(nil, m)
	}
	return upload.NewBlobSink(store, m)
}

func printSummary(sum *farm.Summary) {
	fmt.Printf("\nBatch %s (%s)\n", sum.BatchID, filepath.Base(sum.Scene))
	for _, f := range sum.Frames {
		fmt.Println("  " + f.Message)
		for _, out := range f.Outputs {
			fmt.Println("    -> " + out)
		}
	}
	fmt.Printf("%d succeeded, %d failed", sum.Succeeded, sum.Failed)
	if sum.Skipped > 0 {
		fmt.Printf(", %d skipped (already rendered)", sum.Skipped)
	}
	fmt.Println()
	for _, p := range sum.ReportPaths {
		fmt.Println("report: " + p)
	}
}
