// Package workspace allocates and tears down isolated per-job working directories.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"strings"
	"time"
)

// Zone directory names inside a workspace.
const (
	RawZone    = "raw"
	DataZone   = "data"
	OutputZone = "output"
)

// Workspace is a directory tree exclusively owned by one job.
type Workspace struct {
	JobID     string
	Dir       string
	RawDir    string // downloaded input
	DataDir   string // intermediate dataset produced by preprocessing
	OutputDir string // fit runs and the exported artifact
}

// Manager creates and destroys workspaces under a single root directory.
type Manager struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string) (*Manager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	return &Manager{
		root:   filepath.Clean(trimmed),
		logger: slog.With("component", "workspace"),
		now:    time.Now,
	}, nil
}

// Root returns the directory all workspaces are created under.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a fresh, empty workspace named by jobID.
// It fails if the root is unwritable or the workspace already exists.
func (m *Manager) Create(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, apperrors.Resource("workspace.create", err)
	}
	if err := validateJobID(jobID); err != nil {
		return Workspace{}, apperrors.Resource("workspace.create", err)
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return Workspace{}, apperrors.Resource("workspace.create", fmt.Errorf("create workspace root: %w", err))
	}

	dir := filepath.Join(m.root, jobID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Workspace{}, apperrors.Resource("workspace.create", fmt.Errorf("create workspace for job %q: %w", jobID, err))
	}

	ws := Workspace{
		JobID:     jobID,
		Dir:       dir,
		RawDir:    filepath.Join(dir, RawZone),
		DataDir:   filepath.Join(dir, DataZone),
		OutputDir: filepath.Join(dir, OutputZone),
	}
	for _, zone := range []string{ws.RawDir, ws.DataDir, ws.OutputDir} {
		if err := os.Mkdir(zone, 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return Workspace{}, apperrors.Resource("workspace.create", fmt.Errorf("create zone %q: %w", filepath.Base(zone), err))
		}
	}

	return ws, nil
}

// Destroy recursively removes the workspace. Failures are logged and reported
// through the return value only, so they never mask a job's outcome.
func (m *Manager) Destroy(ws Workspace) bool {
	if ws.Dir == "" {
		return true
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		m.logger.Error("Failed to remove workspace", "jobId", ws.JobID, "path", ws.Dir, "error", err)
		return false
	}
	return true
}

// Sweep removes workspaces whose modification time is older than olderThan.
// Used at start-up to reclaim directories left by a killed process.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("Failed to sweep workspace", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	switch {
	case trimmed == "":
		return fmt.Errorf("job ID is empty")
	case trimmed != jobID, trimmed == ".", trimmed == "..":
		return fmt.Errorf("job ID %q is invalid", jobID)
	case strings.ContainsAny(trimmed, `/\`):
		return fmt.Errorf("job ID %q must not contain path separators", jobID)
	}
	return nil
}
