package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Chain links consecutive events of the same scene.
type Chain struct {
	PreviousHash string `json:"previous_hash,omitempty"`
	EventHash    string `json:"event_hash"`
}

// EventHash returns the SHA256 of the event's JSON form with its own hash
// field cleared.
func EventHash(evt Event) string {
	evt.Chain.EventHash = ""
	canonical, err := json.Marshal(evt)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ChainTracker remembers the last event hash per scene.
type ChainTracker struct {
	mu    sync.Mutex
	heads map[string]string
	path  string
}

// NewChainTracker loads chain heads persisted under dir.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}
	ct := &ChainTracker{
		heads: make(map[string]string),
		path:  filepath.Join(dir, "chain-heads.json"),
	}
	data, err := os.ReadFile(ct.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("load chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &ct.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads: %w", err)
		}
	}
	return ct, nil
}

// Head returns the last hash recorded for scene, or "".
func (ct *ChainTracker) Head(scene string) string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.heads[scene]
}

// SetHead records hash as the latest event for scene.
func (ct *ChainTracker) SetHead(scene, hash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.heads[scene] = hash

	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := ct.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, ct.path)
}

// chainedEmitter fills Chain before delegating and advances the head only
// when delivery succeeded.
type chainedEmitter struct {
	next    Emitter
	tracker *ChainTracker
}

func (c *chainedEmitter) EmitBatch(ctx context.Context, evt Event) error {
	stamp(&evt)
	evt.Chain = Chain{PreviousHash: c.tracker.Head(evt.Scene)}
	evt.Chain.EventHash = EventHash(evt)

	if err := c.next.EmitBatch(ctx, evt); err != nil {
		return err
	}
	return c.tracker.SetHead(evt.Scene, evt.Chain.EventHash)
}

func (c *chainedEmitter) Close() error { return c.next.Close() }
