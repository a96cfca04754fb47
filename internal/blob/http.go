package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/config"
	"strings"
	"time"
)

// DigestHeader carries the BLAKE3 digest of an uploaded object.
const DigestHeader = "X-Content-Blake3"

// HTTPConfig configures the plain HTTP object store.
type HTTPConfig struct {
	BaseURL   string        // objects are read with GET and written with PUT at BaseURL/key
	PublicURL string        // prefix for returned artifact URLs; defaults to BaseURL
	Timeout   time.Duration // per-request timeout, 0 for none
}

// LoadHTTPConfigFromEnv loads HTTP store configuration from environment variables.
func LoadHTTPConfigFromEnv() HTTPConfig {
	return HTTPConfig{
		BaseURL:   config.GetEnv("BLOB_HTTP_BASE_URL", ""),
		PublicURL: config.GetEnv("BLOB_HTTP_PUBLIC_URL", ""),
		Timeout:   config.GetDurationEnv("BLOB_TIMEOUT", 30*time.Minute),
	}
}

// HTTPStore speaks GET/PUT to any bucket-like HTTP endpoint (S3 presigned
// gateways, MinIO, a plain file server).
type HTTPStore struct {
	baseURL   string
	publicURL string
	client    *http.Client
}

// NewHTTPStore creates an HTTP-backed store.
func NewHTTPStore(cfg HTTPConfig, client *http.Client) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.Initialization("blob store", fmt.Errorf("BLOB_HTTP_BASE_URL is required"))
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.Initialization("blob store", err)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	public := cfg.PublicURL
	if public == "" {
		public = cfg.BaseURL
	}
	return &HTTPStore{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		publicURL: strings.TrimRight(public, "/"),
		client:    client,
	}, nil
}

func (s *HTTPStore) objectURL(base, key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return base + "/" + strings.Join(parts, "/")
}

// Download fetches remoteKey into localPath.
func (s *HTTPStore) Download(ctx context.Context, remoteKey, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(s.baseURL, remoteKey), http.NoBody)
	if err != nil {
		return apperrors.Transfer("download", fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Transfer("download", fmt.Errorf("failed to download %s: %w", remoteKey, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.Transfer("download", fmt.Errorf("object %s does not exist", remoteKey))
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.Transfer("download", fmt.Errorf("download of %s failed with status %d", remoteKey, resp.StatusCode))
	}

	written, err := writeAtomic(localPath, resp.Body)
	if err != nil {
		return apperrors.Transfer("download", fmt.Errorf("%s: %w", remoteKey, err))
	}

	slog.Debug("Downloaded object", "key", remoteKey, "bytes", written, "path", localPath)
	return nil
}

// Upload PUTs localPath to remoteKey and returns its public URL.
func (s *HTTPStore) Upload(ctx context.Context, localPath, remoteKey string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("file not found: %w", err))
	}
	digest, err := Digest(localPath)
	if err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to hash file: %w", err))
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to open file: %w", err))
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(s.baseURL, remoteKey), file)
	if err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to create request: %w", err))
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(DigestHeader, digest)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", apperrors.Transfer("upload", fmt.Errorf("failed to upload %s: %w", remoteKey, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", apperrors.Transfer("upload", fmt.Errorf("upload of %s failed with status %d: %s", remoteKey, resp.StatusCode, body))
	}

	slog.Debug("Uploaded object", "key", remoteKey, "bytes", info.Size(), "blake3", digest)
	return s.objectURL(s.publicURL, remoteKey), nil
}

// Ready checks the endpoint answers. Any non-5xx response counts as reachable.
func (s *HTTPStore) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("blob endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Store = (*HTTPStore)(nil)
