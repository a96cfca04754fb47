package stage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"reconstructor/internal/apperrors"
	"time"
)

// ExecRunner runs stages as local processes.
type ExecRunner struct {
	// Stdout and Stderr receive the live streams; both default to the process's own.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecRunner creates a runner that streams stage output to this process's stdout/stderr.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run starts the program and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) error {
	logger := slog.With("stage", inv.Name, "program", inv.Program)
	start := time.Now()

	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = inv.Dir

	stderr := newTailBuffer(maxStderrBytes)
	cmd.Stdout = writerOrDiscard(r.Stdout)
	cmd.Stderr = io.MultiWriter(writerOrDiscard(r.Stderr), stderr)

	logger.Info("Running stage", "command", inv.String())
	err := cmd.Run()
	dur := time.Since(start)

	if err == nil {
		logger.Info("Stage finished", "duration", dur)
		return nil
	}

	stageErr := &apperrors.StageError{
		Stage:    inv.Name,
		ExitCode: -1,
		Started:  cmd.Process != nil,
		Stderr:   stderr.String(),
		Cause:    err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// -1 when the process was killed by a signal.
		stageErr.ExitCode = exitErr.ExitCode()
	}

	logger.Error("Stage failed",
		"exitCode", stageErr.ExitCode,
		"started", stageErr.Started,
		"duration", dur,
		"error", err,
		"stderr", stageErr.Stderr,
	)
	return stageErr
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

var _ Runner = (*ExecRunner)(nil)
