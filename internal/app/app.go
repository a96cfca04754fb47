// Package app assembles the job service from the configured backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/blob"
	"reconstructor/internal/config"
	"reconstructor/internal/firebase"
	"reconstructor/internal/health"
	"reconstructor/internal/job"
	"reconstructor/internal/observability"
	"reconstructor/internal/stage"
	"reconstructor/internal/status"
	"reconstructor/internal/workspace"
)

// Registrar is implemented by status stores that need a pending row before
// a job can report into it.
type Registrar interface {
	Register(ctx context.Context, docID string) error
}

// App holds the assembled service and everything that must be released on exit.
type App struct {
	Service    *job.Service
	Health     *health.Checker
	Workspaces *workspace.Manager
	Status     status.Reporter

	// InitErr is why the pipeline could not be built, nil when it was.
	InitErr error

	closers []func() error
}

// Build wires the configured backends into a job service. A backend that
// cannot be initialized does not fail Build: the service is still returned
// and answers every job request with an initialization error.
func Build(ctx context.Context, cfg *config.ServiceConfig, metrics *observability.Metrics) *App {
	a := &App{Health: health.NewChecker()}

	pipeline, err := a.buildPipeline(ctx, cfg, metrics)
	if err != nil {
		slog.Error("Backend not fully initialized", "error", err)
		a.InitErr = err
		a.Health.Register("pipeline", health.ReadinessFunc(func(context.Context) error { return err }))
	}

	a.Service = job.NewService(pipeline, a.Status, job.ServiceConfig{
		DefaultOwner: cfg.DefaultOwner,
		InitErr:      a.InitErr,
	})
	return a
}

func (a *App) buildPipeline(ctx context.Context, cfg *config.ServiceConfig, metrics *observability.Metrics) (*job.Pipeline, error) {
	contract := job.DefaultContract()
	if cfg.StageContractFile != "" {
		var err error
		if contract, err = job.LoadContract(cfg.StageContractFile); err != nil {
			return nil, apperrors.Initialization("stage contract", err)
		}
		slog.Info("Loaded stage contract", "file", cfg.StageContractFile)
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		return nil, apperrors.Initialization("workspace root", err)
	}
	a.Workspaces = workspaces
	if cfg.WorkspaceSweepAge > 0 {
		n, err := workspaces.Sweep(ctx, cfg.WorkspaceSweepAge)
		if err != nil {
			slog.Warn("Workspace sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("Removed stale workspaces", "count", n, "root", workspaces.Root())
		}
	}

	runner, err := a.buildRunner(cfg)
	if err != nil {
		return nil, err
	}

	var fb *firebase.Clients
	if cfg.BlobBackend == config.BlobBackendFirebase || cfg.StatusBackend == config.StatusBackendFirestore {
		if fb, err = firebase.Init(ctx, firebase.LoadConfigFromEnv()); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fb.Close)
	}

	blobs, err := buildBlobStore(cfg, fb)
	if err != nil {
		return nil, err
	}
	a.Health.Register("blob", blobs)

	reporter, err := a.buildReporter(ctx, cfg, fb)
	if err != nil {
		return nil, err
	}
	a.Status = reporter
	a.Health.Register("status", reporter)

	slog.Info("Pipeline initialized",
		"stageRunner", cfg.StageRunner,
		"blobBackend", cfg.BlobBackend,
		"statusBackend", cfg.StatusBackend,
		"workspaceRoot", workspaces.Root(),
	)
	return job.NewPipeline(workspaces, blobs, runner, reporter, metrics, job.PipelineConfig{
		Contract:     contract,
		ArtifactRoot: cfg.ArtifactRoot,
	}), nil
}

func (a *App) buildRunner(cfg *config.ServiceConfig) (stage.Runner, error) {
	switch cfg.StageRunner {
	case config.StageRunnerExec:
		return stage.NewExecRunner(), nil
	case config.StageRunnerDocker:
		runner, err := stage.NewDockerRunner(stage.LoadDockerConfigFromEnv())
		if err != nil {
			return nil, apperrors.Initialization("stage runner", err)
		}
		a.closers = append(a.closers, runner.Close)
		a.Health.Register("stage", runner)
		slog.Info("Connected to Docker daemon")
		return runner, nil
	default:
		return nil, apperrors.Initialization("stage runner", fmt.Errorf("unknown STAGE_RUNNER %q", cfg.StageRunner))
	}
}

func buildBlobStore(cfg *config.ServiceConfig, fb *firebase.Clients) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendFirebase:
		return blob.NewGCSStore(fb.Bucket, fb.BucketName), nil
	case config.BlobBackendHTTP:
		return blob.NewHTTPStore(blob.LoadHTTPConfigFromEnv(), nil)
	default:
		return nil, apperrors.Initialization("blob store", fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend))
	}
}

func (a *App) buildReporter(ctx context.Context, cfg *config.ServiceConfig, fb *firebase.Clients) (status.Reporter, error) {
	switch cfg.StatusBackend {
	case config.StatusBackendFirestore:
		return status.NewFirestore(fb.Firestore, status.LoadFirestoreConfigFromEnv()), nil
	case config.StatusBackendSQLite:
		store, err := status.OpenSQLite(ctx, config.GetEnv("SQLITE_PATH", "reconstructor.db"))
		if err != nil {
			return nil, apperrors.Initialization("status store", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.StatusBackendPostgres:
		store, err := status.OpenPostgres(ctx, status.LoadPostgresConfigFromEnv())
		if err != nil {
			return nil, apperrors.Initialization("status store", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return store, nil
	default:
		return nil, apperrors.Initialization("status store", fmt.Errorf("unknown STATUS_BACKEND %q", cfg.StatusBackend))
	}
}

// Register creates a pending status row for docID when the status store
// keeps its own rows. Stores without rows of their own are left alone.
func (a *App) Register(ctx context.Context, docID string) error {
	r, ok := a.Status.(Registrar)
	if !ok {
		return nil
	}
	return r.Register(ctx, docID)
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
