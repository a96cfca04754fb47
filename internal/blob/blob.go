// Package blob moves job inputs and artifacts between the workspace and remote object storage.
package blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Store transfers whole objects to and from remote storage.
type Store interface {
	// Download fetches remoteKey into localPath. localPath is either absent or
	// complete when Download returns.
	Download(ctx context.Context, remoteKey, localPath string) error
	// Upload publishes localPath under remoteKey and returns a public URL
	// readable as soon as Upload returns.
	Upload(ctx context.Context, localPath, remoteKey string) (string, error)
	// Ready reports whether the backing store is reachable.
	Ready(ctx context.Context) error
}

// Digest returns the hex-encoded BLAKE3 hash of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeAtomic streams r into a temp file next to dest, syncs it and renames it
// into place. On error nothing is left at dest.
func writeAtomic(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		return written, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return written, fmt.Errorf("failed to rename file: %w", err)
	}
	committed = true
	return written, nil
}
