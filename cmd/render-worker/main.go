package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-render-farm/internal/config"
	"github.com/withObsrvr/obsrvr-render-farm/internal/farm"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/storage"
	"github.com/withObsrvr/obsrvr-render-farm/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Render Worker %s (%s)", farm.Version, farm.GitSHA)

	cfg := config.MustLoad()

	listen := flag.String("listen", cfg.Worker.Listen, "address to serve render requests on")
	configPath := flag.String("config", "", "YAML config file overlaid on the environment")
	flag.Parse()

	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath, cfg); err != nil {
			log.Fatalf("[main] %v", err)
		}
		explicit := false
		flag.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "listen" })
		if !explicit {
			*listen = cfg.Worker.Listen
		}
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scenes, err := storage.NewStore(ctx, storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		GCSBucket:  cfg.Storage.GCSBucket,
		S3Bucket:   cfg.Storage.S3Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		log.Fatalf("[main] failed to create storage: %v", err)
	}
	defer scenes.Close()

	renderer := worker.NewCommandRenderer(cfg.Worker.Command, cfg.Worker.Args, scenes, cfg.Worker.CacheDir)
	srv := &http.Server{
		Addr:              *listen,
		Handler:           worker.NewServer(renderer, filepath.Join(cfg.Worker.CacheDir, "scratch")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[main] serving renders on %s (engine %s)", *listen, cfg.Worker.Command)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[main] server failed: %v", err)
	}

	log.Println("[main] render worker stopped cleanly")
}
