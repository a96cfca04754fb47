package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/blob"
	"reconstructor/internal/locate"
	"reconstructor/internal/observability"
	"reconstructor/internal/stage"
	"reconstructor/internal/status"
	"reconstructor/internal/workspace"
	"time"
)

// Pipeline drives one job from input download to status report.
//
// Steps run strictly in order. The first error stops the forward path: the
// job's status document is marked failed (best effort), its workspace is
// removed and the original error is returned. A job whose complete write
// fails is not written again; it fails with the persistence error.
type Pipeline struct {
	workspaces   *workspace.Manager
	blobs        blob.Store
	runner       stage.Runner
	reporter     status.Reporter
	metrics      *observability.Metrics
	contract     Contract
	artifactRoot string
}

// PipelineConfig holds the non-dependency settings of a pipeline.
type PipelineConfig struct {
	Contract     Contract
	ArtifactRoot string // blob key prefix for published artifacts
}

// NewPipeline creates a pipeline. metrics may be nil.
func NewPipeline(
	workspaces *workspace.Manager,
	blobs blob.Store,
	runner stage.Runner,
	reporter status.Reporter,
	metrics *observability.Metrics,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.ArtifactRoot == "" {
		cfg.ArtifactRoot = "splat-models"
	}
	return &Pipeline{
		workspaces:   workspaces,
		blobs:        blobs,
		runner:       runner,
		reporter:     reporter,
		metrics:      metrics,
		contract:     cfg.Contract,
		artifactRoot: cfg.ArtifactRoot,
	}
}

// ArtifactKey is the blob key an artifact is published under.
func ArtifactKey(root, owner, docID, ext string) string {
	return path.Join(root, owner, docID+"."+ext)
}

// Run executes the job to a terminal state.
func (p *Pipeline) Run(ctx context.Context, j *Job) (*Result, error) {
	logger := slog.With("jobId", j.ID, "docId", j.StatusDocID)
	start := time.Now()
	if p.metrics != nil {
		p.metrics.RecordJobStarted(ctx)
	}
	logger.Info("Job started", "input", j.InputRef, "owner", j.OwnerRef)

	ws, err := p.workspaces.Create(ctx, j.ID)
	if err != nil {
		return nil, p.fail(ctx, j, logger, start, err)
	}
	j.Workspace = ws

	url, err := p.produce(ctx, j, logger)
	if err != nil {
		return nil, p.fail(ctx, j, logger, start, err)
	}

	p.advance(j, logger, StateReporting)
	if err := p.reporter.Report(context.WithoutCancel(ctx), j.StatusDocID, status.Complete, url); err != nil {
		// The complete write was this job's one terminal write.
		logger.Error("Failed to record complete status", "error", err)
		_ = j.settle(status.Failed)
		p.cleanup(j, logger)
		p.finish(ctx, j, logger, start, StateFailed, err)
		return nil, err
	}
	_ = j.settle(status.Complete)

	p.cleanup(j, logger)
	p.finish(ctx, j, logger, start, StateComplete, nil)
	return &Result{Status: string(status.Complete), ArtifactURL: url, JobID: j.ID}, nil
}

// produce runs everything between workspace creation and the status report
// and returns the artifact's public URL.
func (p *Pipeline) produce(ctx context.Context, j *Job, logger *slog.Logger) (string, error) {
	ws := j.Workspace
	input := filepath.Join(ws.RawDir, inputFileName(j.InputRef))

	p.advance(j, logger, StateDownloading)
	if err := p.transfer(ctx, logger, "download", input, func() error {
		return p.blobs.Download(ctx, j.InputRef, input)
	}); err != nil {
		return "", err
	}

	b := Bindings{
		Input:    input,
		Data:     ws.DataDir,
		Output:   ws.OutputDir,
		Artifact: p.contract.ArtifactName,
	}
	processingStart := time.Now()

	p.advance(j, logger, StatePreprocessing)
	if err := p.runStage(ctx, p.contract.Preprocess.Invocation(StagePreprocess, ws.Dir, b)); err != nil {
		return "", err
	}

	p.advance(j, logger, StateFitting)
	if err := p.runStage(ctx, p.contract.Fit.Invocation(StageFit, ws.Dir, b)); err != nil {
		return "", err
	}

	p.advance(j, logger, StateLocating)
	configPath, err := locate.RunConfig(filepath.Join(ws.OutputDir, p.contract.RunsDir), p.contract.ConfigName)
	if err != nil {
		return "", err
	}
	b.Config = configPath
	logger.Info("Located fitted model", "config", configPath)

	p.advance(j, logger, StateExporting)
	if err := p.runStage(ctx, p.contract.Export.Invocation(StageExport, ws.Dir, b)); err != nil {
		return "", err
	}

	p.advance(j, logger, StateVerifying)
	artifact := filepath.Join(ws.OutputDir, p.contract.ArtifactName)
	if err := locate.RequireFile(artifact); err != nil {
		return "", err
	}
	logger.Info("Reconstruction finished", "duration", time.Since(processingStart))

	p.advance(j, logger, StateUploading)
	key := ArtifactKey(p.artifactRoot, j.OwnerRef, j.StatusDocID, p.contract.ArtifactExt())
	var url string
	if err := p.transfer(ctx, logger, "upload", artifact, func() error {
		var uerr error
		url, uerr = p.blobs.Upload(ctx, artifact, key)
		return uerr
	}); err != nil {
		return "", err
	}
	logger.Info("Artifact published", "key", key, "url", url)
	return url, nil
}

func (p *Pipeline) runStage(ctx context.Context, inv stage.Invocation) error {
	start := time.Now()
	err := p.runner.Run(ctx, inv)
	if p.metrics != nil {
		p.metrics.RecordStage(ctx, inv.Name, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		var stageErr *apperrors.StageError
		if !errors.As(err, &stageErr) {
			// Runners report failures as StageError; anything else is still a stage failure.
			return &apperrors.StageError{Stage: inv.Name, ExitCode: -1, Cause: err}
		}
	}
	return err
}

// transfer times one blob operation. localPath is measured for the byte count.
func (p *Pipeline) transfer(ctx context.Context, logger *slog.Logger, direction, localPath string, fn func() error) error {
	start := time.Now()
	err := fn()
	dur := time.Since(start)

	var size int64
	if err == nil {
		if info, serr := os.Stat(localPath); serr == nil {
			size = info.Size()
		}
		logger.Info(fmt.Sprintf("Blob %s finished", direction), "bytes", size, "duration", dur)
	}
	if p.metrics != nil {
		p.metrics.RecordTransfer(ctx, direction, err == nil, size, dur.Seconds())
	}
	if err != nil && !errors.Is(err, apperrors.ErrTransfer) {
		return apperrors.Transfer(direction, err)
	}
	return err
}

// fail records the failed status, removes the workspace and returns cause.
func (p *Pipeline) fail(ctx context.Context, j *Job, logger *slog.Logger, start time.Time, cause error) error {
	logger.Error("Job failed", "state", j.State, "kind", apperrors.Kind(cause), "error", cause)
	if err := j.settle(status.Failed); err != nil {
		logger.Warn("Job status already settled", "error", err)
	}

	// The terminal write outlives a cancelled job context.
	if err := p.reporter.Report(context.WithoutCancel(ctx), j.StatusDocID, status.Failed, ""); err != nil {
		logger.Error("Failed to record failed status", "error", err)
	}

	p.cleanup(j, logger)
	p.finish(ctx, j, logger, start, StateFailed, cause)
	return cause
}

func (p *Pipeline) cleanup(j *Job, logger *slog.Logger) {
	p.advance(j, logger, StateCleaningUp)
	if j.Workspace.Dir == "" {
		return
	}
	if p.workspaces.Destroy(j.Workspace) {
		logger.Debug("Workspace removed", "dir", j.Workspace.Dir)
	}
}

func (p *Pipeline) finish(ctx context.Context, j *Job, logger *slog.Logger, start time.Time, final State, cause error) {
	p.advance(j, logger, final)
	dur := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordJobCompleted(ctx, cause == nil, apperrors.Kind(cause), dur.Seconds())
	}
	if cause == nil {
		logger.Info("Job complete", "duration", dur)
	}
}

func (p *Pipeline) advance(j *Job, logger *slog.Logger, to State) {
	if err := j.advance(to); err != nil {
		logger.Warn("Ignoring state transition", "error", err)
		return
	}
	logger.Debug("Job state changed", "state", to)
}

// inputFileName keeps the remote object's base name so tools that sniff the
// extension still work.
func inputFileName(ref string) string {
	name := path.Base(ref)
	if name == "." || name == "/" || name == ".." {
		return "input"
	}
	return name
}
