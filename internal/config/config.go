package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Farm       FarmConfig       `yaml:"farm"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Assets     AssetsConfig     `yaml:"assets"`
	Upload     UploadConfig     `yaml:"upload"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Report     ReportConfig     `yaml:"report"`
	Notify     NotifyConfig     `yaml:"notify"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type FarmConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	GPU          bool          `yaml:"gpu"`
	ScratchDir   string        `yaml:"scratch_dir"`
	KeepScratch  bool          `yaml:"keep_scratch"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
	FallbackDir  string        `yaml:"fallback_dir"`
}

type WorkerConfig struct {
	Mode     string        `yaml:"mode"` // "http" | "command"
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	Command  string        `yaml:"command"`
	Args     []string      `yaml:"args"`
	CacheDir string        `yaml:"cache_dir"`
	Listen   string        `yaml:"listen"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // "local" | "gcs" | "s3"
	LocalDir   string `yaml:"local_dir"`
	GCSBucket  string `yaml:"gcs_bucket"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
}

type AssetsConfig struct {
	DBPath        string   `yaml:"db_path"`
	UnpackCommand string   `yaml:"unpack_command"`
	UnpackArgs    []string `yaml:"unpack_args"`
}

type UploadConfig struct {
	Enabled bool          `yaml:"enabled"`
	Folder  string        `yaml:"folder"`
	Storage StorageConfig `yaml:"storage"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type ReportConfig struct {
	Dir     string `yaml:"dir"`
	Parquet bool   `yaml:"parquet"`
}

type NotifyConfig struct {
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MustLoad reads configuration from environment variables. Unset values fall
// back to defaults suitable for a single workstation submitting to a farm.
func MustLoad() Config {
	log.Println("[config] loading")

	concurrency := 10
	if v := os.Getenv("FARM_CONCURRENCY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			concurrency = parsed
		}
	}

	return Config{
		Farm: FarmConfig{
			Concurrency:  concurrency,
			GPU:          getenvDefault("FARM_GPU", "true") == "true",
			ScratchDir:   getenvDefault("FARM_SCRATCH_DIR", os.TempDir()+"/render-farm"),
			KeepScratch:  os.Getenv("FARM_KEEP_SCRATCH") == "true",
			FrameTimeout: parseDuration(os.Getenv("FARM_FRAME_TIMEOUT")),
			FallbackDir:  os.Getenv("FARM_FALLBACK_DIR"),
		},
		Worker: WorkerConfig{
			Mode:     getenvDefault("WORKER_MODE", "http"),
			Endpoint: os.Getenv("WORKER_ENDPOINT"),
			Timeout:  parseDurationDefault(os.Getenv("WORKER_TIMEOUT"), 30*time.Minute),
			Command:  getenvDefault("WORKER_COMMAND", "blender"),
			Args:     getenvFields("WORKER_ARGS", DefaultWorkerArgs),
			CacheDir: getenvDefault("WORKER_CACHE_DIR", os.TempDir()+"/render-worker"),
			Listen:   getenvDefault("WORKER_LISTEN", ":8090"),
		},
		Storage: StorageConfig{
			Backend:    getenvDefault("STORAGE_BACKEND", "local"),
			LocalDir:   getenvDefault("LOCAL_DIR", "./data"),
			GCSBucket:  os.Getenv("GCS_BUCKET"),
			S3Bucket:   os.Getenv("S3_BUCKET"),
			S3Endpoint: os.Getenv("S3_ENDPOINT"),
			S3Region:   os.Getenv("S3_REGION"),
			Prefix:     getenvDefault("STORAGE_PREFIX", "farm/"),
		},
		Assets: AssetsConfig{
			DBPath:        getenvDefault("ASSET_DB", "./data/asset_tracker.db"),
			UnpackCommand: os.Getenv("UNPACK_COMMAND"),
			UnpackArgs:    getenvFields("UNPACK_ARGS", DefaultUnpackArgs),
		},
		Upload: UploadConfig{
			Enabled: os.Getenv("UPLOAD_ENABLED") == "true",
			Folder:  getenvDefault("UPLOAD_FOLDER", "/Renders"),
			Storage: StorageConfig{
				Backend:    os.Getenv("UPLOAD_BACKEND"),
				LocalDir:   os.Getenv("UPLOAD_LOCAL_DIR"),
				GCSBucket:  os.Getenv("UPLOAD_GCS_BUCKET"),
				S3Bucket:   os.Getenv("UPLOAD_S3_BUCKET"),
				S3Endpoint: os.Getenv("UPLOAD_S3_ENDPOINT"),
				S3Region:   os.Getenv("UPLOAD_S3_REGION"),
			},
		},
		Catalog: CatalogConfig{
			PostgresDSN: os.Getenv("CATALOG_DSN"),
		},
		Checkpoint: CheckpointConfig{
			Enabled: os.Getenv("CHECKPOINT_ENABLED") == "true",
			Dir:     getenvDefault("CHECKPOINT_DIR", "./data/checkpoints"),
		},
		Report: ReportConfig{
			Dir:     getenvDefault("REPORT_DIR", "./data/reports"),
			Parquet: os.Getenv("REPORT_PARQUET") == "true",
		},
		Notify: NotifyConfig{
			Endpoint:  os.Getenv("NOTIFY_ENDPOINT"),
			BackupDir: os.Getenv("NOTIFY_BACKUP_DIR"),
		},
		Metrics: MetricsConfig{
			Enabled: os.Getenv("METRICS_ENABLED") == "true",
			Address: getenvDefault("METRICS_ADDRESS", ":9090"),
		},
		Logging: LoggingConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
	}
}

// LoadFile overlays a YAML file on top of base. Fields absent from the file
// keep their base values.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultWorkerArgs run the engine in the background on one frame. The
// outputs file and device are handed to the engine's render script after "--".
var DefaultWorkerArgs = []string{"-b", "{scene}", "-f", "{frame}", "--", "--outputs", "{outputs}", "--device", "{device}"}

// DefaultUnpackArgs pack external assets into the scene and save it.
var DefaultUnpackArgs = []string{"-b", "{scene}", "--python-expr",
	"import bpy; bpy.ops.file.pack_all(); bpy.ops.wm.save_mainfile()"}

// getenvFields splits a whitespace-separated env value, or returns a copy of
// def when unset.
func getenvFields(key string, def []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Fields(val)
	}
	return append([]string(nil), def...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseDuration(v string) time.Duration {
	return parseDurationDefault(v, 0)
}

func parseDurationDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
