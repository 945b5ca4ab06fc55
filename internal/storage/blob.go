package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobStore implements Store on top of a gocloud.dev bucket. Every backend
// (local, GCS, S3) is a BlobStore opened with a different driver.
type BlobStore struct {
	bucket  *blob.Bucket
	baseURI string // "gs://bucket", "s3://bucket", "file:///dir"
	prefix  string
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket, baseURI, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, baseURI: baseURI, prefix: prefix}
}

func (s *BlobStore) key(key string) string {
	return s.prefix + key
}

// Put writes r to key. The object only becomes visible once the writer closes
// successfully.
func (s *BlobStore) Put(ctx context.Context, key string, r io.Reader) error {
	path := s.key(key)

	// cancel aborts the pending write if the copy fails
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, path, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write data to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}

	return nil
}

// PutFile uploads a local file under key.
func (s *BlobStore) PutFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f)
}

// Get opens the object stored under key.
func (s *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path := s.key(key)
	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open reader for %s: %w", path, err)
	}
	return r, nil
}

// Download copies the object under key to localPath using a temp file and
// rename so readers never observe a partial file.
func (s *BlobStore) Download(ctx context.Context, key, localPath string) error {
	r, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", localPath, err)
	}

	tempPath := localPath + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tempPath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, localPath, err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	path := s.key(key)
	attrs, err := s.bucket.Attributes(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", path, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.baseURI + "/" + s.key(key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements Store.
var _ Store = (*BlobStore)(nil)
