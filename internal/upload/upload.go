// Package upload pushes reconciled artifacts to a remote sink.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
	"github.com/withObsrvr/obsrvr-render-farm/internal/metrics"
	"github.com/withObsrvr/obsrvr-render-farm/internal/storage"
)

// DefaultFolder is the remote folder used when none is given.
const DefaultFolder = "/Renders"

// Capability describes whether uploads can happen at all.
type Capability int

const (
	// Available means the sink is configured and reachable.
	Available Capability = iota
	// Unavailable means uploads were requested but no sink could be opened.
	Unavailable
	// Disabled means uploads were turned off by configuration.
	Disabled
)

func (c Capability) String() string {
	switch c {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// Error is a failed upload. It never aborts a batch.
type Error struct {
	Path string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %s to %s: %v", e.Path, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnavailable is returned by Put when the sink cannot upload.
var ErrUnavailable = errors.New("upload sink unavailable")

// Sink uploads a local file into a remote folder.
type Sink interface {
	Put(ctx context.Context, localPath, folder string) error
	Capability() Capability
}

// BlobSink uploads into a storage.Store.
type BlobSink struct {
	store   storage.Store
	cap     Capability
	metrics *metrics.Metrics
	log     *slog.Logger

	warnOnce sync.Once
}

// NewBlobSink creates a sink over store. A nil store yields an Unavailable
// sink, which only warns.
func NewBlobSink(store storage.Store, m *metrics.Metrics) *BlobSink {
	c := Available
	if store == nil {
		c = Unavailable
	}
	return &BlobSink{store: store, cap: c, metrics: m, log: logging.Component("upload")}
}

// NewDisabledSink creates a sink that silently does nothing.
func NewDisabledSink() *BlobSink {
	return &BlobSink{cap: Disabled, log: logging.Component("upload")}
}

// Capability reports whether the sink can upload.
func (s *BlobSink) Capability() Capability { return s.cap }

// RemoteKey is the object key for localPath inside folder: the folder
// without its leading slash, then the file's base name.
func RemoteKey(folder, localPath string) string {
	if folder == "" {
		folder = DefaultFolder
	}
	folder = strings.Trim(filepath.ToSlash(folder), "/")
	return path.Join(folder, filepath.Base(localPath))
}

// Put uploads localPath to folder/basename. On an Unavailable sink it warns
// once and returns ErrUnavailable; on a Disabled sink it returns nil.
func (s *BlobSink) Put(ctx context.Context, localPath, folder string) error {
	switch s.cap {
	case Disabled:
		return nil
	case Unavailable:
		s.warnOnce.Do(func() {
			s.log.Warn("uploads requested but no upload sink is available; artifacts stay local")
		})
		s.metrics.ObserveUpload("skipped", 0)
		return ErrUnavailable
	}

	key := RemoteKey(folder, localPath)
	start := time.Now()
	if err := s.store.PutFile(ctx, key, localPath); err != nil {
		s.metrics.ObserveUpload("error", 0)
		return &Error{Path: localPath, Key: key, Err: err}
	}
	s.metrics.ObserveUpload("ok", time.Since(start).Seconds())
	s.log.Debug("uploaded artifact", "path", localPath, "uri", s.store.URI(key))
	return nil
}

// Close releases the underlying store.
func (s *BlobSink) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

var _ Sink = (*BlobSink)(nil)
