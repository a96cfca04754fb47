package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore stores objects in a Cloud Storage bucket (the Firebase Storage
// default bucket in production). Uploaded artifacts are made world-readable.
type GCSStore struct {
	bucket     *storage.BucketHandle
	bucketName string
}

// NewGCSStore wraps a bucket handle.
func NewGCSStore(bucket *storage.BucketHandle, bucketName string) *GCSStore {
	return &GCSStore{bucket: bucket, bucketName: bucketName}
}

// Download streams the object into localPath.
func (s *GCSStore) Download(ctx context.Context, remoteKey, localPath string) error {
	reader, err := s.bucket.Object(remoteKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return apperrors.Transfer("download", fmt.Errorf("object %s does not exist in bucket %s", remoteKey, s.bucketName))
		}
		return apperrors.Transfer("download", fmt.Errorf("failed to open %s: %w", remoteKey, err))
	}
	defer reader.Close()

	written, err := writeAtomic(localPath, reader)
	if err != nil {
		return apperrors.Transfer("download", fmt.Errorf("%s: %w", remoteKey, err))
	}

	slog.Debug("Downloaded object", "bucket", s.bucketName, "key", remoteKey, "bytes", written)
	return nil
}

// Upload writes localPath to remoteKey, grants public read and returns the
// object's public URL.
func (s *GCSStore) Upload(ctx context.Context, localPath, remoteKey string) (string, error) {
	digest, err := Digest(localPath)
	if err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("file not found: %w", err))
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to open file: %w", err))
	}
	defer file.Close()

	obj := s.bucket.Object(remoteKey)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType(localPath)
	w.Metadata = map[string]string{"blake3": digest}

	written, err := io.Copy(w, file)
	if err != nil {
		w.Close()
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to write %s: %w", remoteKey, err))
	}
	if err := w.Close(); err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to finalize %s: %w", remoteKey, err))
	}

	if err := obj.ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to make %s public: %w", remoteKey, err))
	}

	slog.Debug("Uploaded object", "bucket", s.bucketName, "key", remoteKey, "bytes", written, "blake3", digest)
	return PublicURL(s.bucketName, remoteKey), nil
}

// Ready fetches the bucket attributes.
func (s *GCSStore) Ready(ctx context.Context) error {
	_, err := s.bucket.Attrs(ctx)
	return err
}

// PublicURL returns the anonymous-read URL of an object.
func PublicURL(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "https://storage.googleapis.com/" + bucket + "/" + strings.Join(parts, "/")
}

func contentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

var _ Store = (*GCSStore)(nil)
