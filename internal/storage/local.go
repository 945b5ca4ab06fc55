package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob/fileblob"
)

// NewLocalStore creates a store backed by a directory on the local
// filesystem, typically a mounted shared volume.
func NewLocalStore(baseDir, prefix string) (*BlobStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory %s: %w", baseDir, err)
	}

	bucket, err := fileblob.OpenBucket(absDir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", absDir, err)
	}

	return NewBlobStore(bucket, "file://"+filepath.ToSlash(absDir), prefix), nil
}
