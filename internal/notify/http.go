package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// HTTPEmitter posts events to an HTTP endpoint.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	backup   *FileBackup

	retries int
	delay   time.Duration
}

// NewHTTPEmitter creates a new HTTP emitter. backup may be nil.
func NewHTTPEmitter(endpoint string, backup *FileBackup) *HTTPEmitter {
	return &HTTPEmitter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		backup:  backup,
		retries: 3,
		delay:   time.Second,
	}
}

// EmitBatch backs the event up locally, then posts it.
func (e *HTTPEmitter) EmitBatch(ctx context.Context, evt Event) error {
	stamp(&evt)

	log.Printf("[notify] emitting %s for batch %s (%s)", evt.EventType, evt.BatchID, evt.Outcome)

	// Backup to local file (always, before HTTP)
	if e.backup != nil {
		if err := e.backup.Save(&evt); err != nil {
			log.Printf("[notify] warning: backup failed: %v", err)
		}
	}

	if err := e.postWithRetry(ctx, &evt); err != nil {
		return fmt.Errorf("notify failed: %w", err)
	}
	return nil
}

// postWithRetry sends the event with exponential backoff.
func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.delay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < e.retries {
			log.Printf("[notify] attempt %d/%d failed: %v, retrying in %v", attempt, e.retries, err, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return nil
}
