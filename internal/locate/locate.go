// Package locate resolves the outputs an external stage left in the workspace.
//
// The reconstruction tool names its run directories non-deterministically
// (timestamps). The only layout assumption made here is "some subdirectory,
// most recent wins", where most recent means lexicographically last by name.
// Timestamped names such as 2024-05-01_101500 sort chronologically under
// that rule. If the tool's layout changes, this package is the single place
// to adapt.
package locate

import (
	"fmt"
	"os"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"sort"
)

// LatestSubdir returns the lexicographically last immediate subdirectory of parent.
// Regular files are ignored. It fails with a not-found error when parent is
// missing or holds no subdirectories.
func LatestSubdir(parent string) (string, error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound("run directory", parent)
		}
		return "", apperrors.Internal("locate.readDir", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", apperrors.NotFound("run subdirectory in", parent)
	}

	sort.Strings(names)
	return filepath.Join(parent, names[len(names)-1]), nil
}

// RequireFile fails with a not-found error unless path is an existing regular file.
// It guards against a stage that exits zero without producing its declared output.
func RequireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("file", path)
		}
		return apperrors.Internal("locate.stat", err)
	}
	if info.IsDir() {
		return apperrors.NotFound("file", fmt.Sprintf("%s (found a directory)", path))
	}
	return nil
}

// RunConfig resolves the configuration file inside the latest run under runsDir.
func RunConfig(runsDir, configName string) (string, error) {
	run, err := LatestSubdir(runsDir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(run, configName)
	if err := RequireFile(path); err != nil {
		return "", err
	}
	return path, nil
}
