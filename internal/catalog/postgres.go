package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter connects to the catalog database and creates its tables.
func NewPostgresWriter(cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[catalog] connected to PostgreSQL catalog")
	return &PostgresWriter{pool: pool}, nil
}

const upsertBatch = `
	INSERT INTO farm_batches (
		batch_id, scene, scene_uri, scene_hash, frame_start, frame_end,
		requested, skipped, succeeded, failed, started_at, finished_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (batch_id)
	DO UPDATE SET
		succeeded = EXCLUDED.succeeded,
		failed = EXCLUDED.failed,
		skipped = EXCLUDED.skipped,
		finished_at = EXCLUDED.finished_at
`

const upsertFrame = `
	INSERT INTO farm_frames (batch_id, frame, succeeded, error, duration_ms, outputs)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (batch_id, frame)
	DO UPDATE SET
		succeeded = EXCLUDED.succeeded,
		error = EXCLUDED.error,
		duration_ms = EXCLUDED.duration_ms,
		outputs = EXCLUDED.outputs,
		created_at = NOW()
`

// RecordBatch writes the batch row and all frame rows in one transaction.
func (w *PostgresWriter) RecordBatch(ctx context.Context, rec BatchRecord) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, upsertBatch,
		rec.BatchID,
		rec.Scene,
		rec.SceneURI,
		rec.SceneHash,
		rec.FrameStart,
		rec.FrameEnd,
		rec.Requested,
		rec.Skipped,
		rec.Succeeded,
		rec.Failed,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record batch: %w", err)
	}

	batch := &pgx.Batch{}
	for _, f := range rec.Frames {
		f := f
		var errMsg *string
		if f.Error != "" {
			errMsg = &f.Error
		}
		outputs := f.Outputs
		if outputs == nil {
			outputs = []string{}
		}
		batch.Queue(upsertFrame, rec.BatchID, f.Frame, f.Succeeded, errMsg, f.Duration.Milliseconds(), outputs)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record frames: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("[catalog] recorded batch %s (%d frames, %d failed)", rec.BatchID, len(rec.Frames), rec.Failed)
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

var _ Writer = (*PostgresWriter)(nil)
