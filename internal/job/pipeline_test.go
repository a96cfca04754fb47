package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/stage"
	"reconstructor/internal/status"
	"reconstructor/internal/workspace"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Success(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	j := NewJob("job-1", testRequest("doc-1"))

	res, err := h.pipeline.Run(context.Background(), j)
	require.NoError(t, err)

	assert.Equal(t, "complete", res.Status)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, "https://blob.test/splat-models/user-1/doc-1.ply", res.ArtifactURL)

	assert.Equal(t, []report{{docID: "doc-1", status: status.Complete, url: res.ArtifactURL}}, h.reporter.all())
	assert.Equal(t, []string{"splat-models/user-1/doc-1.ply"}, h.store.uploadedKeys())
	assert.Equal(t, []string{StagePreprocess, StageFit, StageExport}, h.runner.stageNames())
	assert.Empty(t, h.workspaces(t))

	assert.Equal(t, status.Complete, j.Status)
	assert.Equal(t, []State{
		StateCreated, StateDownloading, StatePreprocessing, StateFitting, StateLocating,
		StateExporting, StateVerifying, StateUploading, StateReporting, StateCleaningUp, StateComplete,
	}, j.History())
}

func TestPipeline_InvocationsUseWorkspacePaths(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	j := NewJob("job-paths", testRequest("doc-1"))

	_, err := h.pipeline.Run(context.Background(), j)
	require.NoError(t, err)

	ws := j.Workspace
	pre, ok := h.runner.call(StagePreprocess)
	require.True(t, ok)
	assert.Equal(t, "ns-process-data", pre.Program)
	assert.Equal(t, filepath.Join(ws.RawDir, "clip.mp4"), argAfter(pre.Args, "--data"))
	assert.Equal(t, ws.DataDir, argAfter(pre.Args, "--output-dir"))
	assert.Equal(t, ws.Dir, pre.Dir)

	fit, ok := h.runner.call(StageFit)
	require.True(t, ok)
	assert.Equal(t, ws.DataDir, argAfter(fit.Args, "--data"))
	assert.Equal(t, ws.OutputDir, argAfter(fit.Args, "--output-dir"))

	export, ok := h.runner.call(StageExport)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(ws.OutputDir, "splatfacto", "2024-05-01_120000", "config.yml"), argAfter(export.Args, "--load-config"))
	assert.Equal(t, "splat.ply", argAfter(export.Args, "--output-name"))
}

func TestPipeline_ExportUsesLatestRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.runs = []string{"2024-06-01_000000", "2024-01-01_000000", "2024-03-15_093000"}
	j := NewJob("job-latest", testRequest("doc-1"))

	_, err := h.pipeline.Run(context.Background(), j)
	require.NoError(t, err)

	export, ok := h.runner.call(StageExport)
	require.True(t, ok)
	assert.Equal(t, "2024-06-01_000000", filepath.Base(filepath.Dir(argAfter(export.Args, "--load-config"))))
}

func TestPipeline_FailurePoints(t *testing.T) {
	t.Parallel()

	stageFailure := &apperrors.StageError{Stage: "x", ExitCode: 2, Started: true, Stderr: "boom"}

	tests := []struct {
		name       string
		setup      func(h *harness, req *Request)
		wantErr    error
		wantStages []string
	}{
		{
			name:       "input object missing",
			setup:      func(h *harness, req *Request) { req.InputObjectRef = "videos/missing.mp4" },
			wantErr:    apperrors.ErrTransfer,
			wantStages: []string{},
		},
		{
			name:       "preprocess fails",
			setup:      func(h *harness, _ *Request) { h.runner.fail = map[string]error{StagePreprocess: stageFailure} },
			wantErr:    apperrors.ErrStage,
			wantStages: []string{StagePreprocess},
		},
		{
			name:       "fit fails",
			setup:      func(h *harness, _ *Request) { h.runner.fail = map[string]error{StageFit: stageFailure} },
			wantErr:    apperrors.ErrStage,
			wantStages: []string{StagePreprocess, StageFit},
		},
		{
			name:       "fit produced no runs",
			setup:      func(h *harness, _ *Request) { h.runner.runs = nil },
			wantErr:    apperrors.ErrNotFound,
			wantStages: []string{StagePreprocess, StageFit},
		},
		{
			name:       "export fails",
			setup:      func(h *harness, _ *Request) { h.runner.fail = map[string]error{StageExport: stageFailure} },
			wantErr:    apperrors.ErrStage,
			wantStages: []string{StagePreprocess, StageFit, StageExport},
		},
		{
			name:       "export wrote no artifact",
			setup:      func(h *harness, _ *Request) { h.runner.skipArtifact = true },
			wantErr:    apperrors.ErrNotFound,
			wantStages: []string{StagePreprocess, StageFit, StageExport},
		},
		{
			name: "upload fails",
			setup: func(h *harness, _ *Request) {
				h.store.uploadErr = apperrors.Transfer("upload", errors.New("connection reset"))
			},
			wantErr:    apperrors.ErrTransfer,
			wantStages: []string{StagePreprocess, StageFit, StageExport},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			req := testRequest("doc-fail")
			tt.setup(h, req)
			j := NewJob("job-fail", req)

			res, err := h.pipeline.Run(context.Background(), j)

			assert.Nil(t, res)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, []report{{docID: "doc-fail", status: status.Failed}}, h.reporter.all(),
				"exactly one terminal write, and it is failed")
			assert.Empty(t, h.workspaces(t), "workspace must be removed")
			assert.Equal(t, tt.wantStages, append([]string{}, h.runner.stageNames()...))
			assert.Empty(t, h.store.uploadedKeys())
			assert.Equal(t, StateFailed, j.State)
			assert.Equal(t, status.Failed, j.Status)
		})
	}
}

func TestPipeline_EmptyRunsDirSkipsExport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.runs = nil
	j := NewJob("job-noruns", testRequest("doc-1"))

	_, err := h.pipeline.Run(context.Background(), j)

	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NotErrorIs(t, err, apperrors.ErrStage)
	_, exported := h.runner.call(StageExport)
	assert.False(t, exported)
	assert.NotContains(t, j.History(), StateExporting)
}

func TestPipeline_MissingArtifactIsNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.skipArtifact = true
	j := NewJob("job-noartifact", testRequest("doc-1"))

	_, err := h.pipeline.Run(context.Background(), j)

	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NotErrorIs(t, err, apperrors.ErrStage)
	assert.Contains(t, err.Error(), "splat.ply")
}

func TestPipeline_StageErrorKeepsStderr(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.fail = map[string]error{
		StageFit: &apperrors.StageError{Stage: StageFit, ExitCode: 137, Started: true, Stderr: "CUDA out of memory"},
	}

	_, err := h.pipeline.Run(context.Background(), NewJob("job-oom", testRequest("doc-1")))

	var stageErr *apperrors.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageFit, stageErr.Stage)
	assert.Equal(t, 137, stageErr.ExitCode)
	assert.Equal(t, "CUDA out of memory", stageErr.Stderr)
}

func TestPipeline_NonStageRunnerErrorIsStageError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.fail = map[string]error{StagePreprocess: errors.New("exec format error")}

	_, err := h.pipeline.Run(context.Background(), NewJob("job-exec", testRequest("doc-1")))

	var stageErr *apperrors.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StagePreprocess, stageErr.Stage)
	assert.Equal(t, -1, stageErr.ExitCode)
}

func TestPipeline_CompleteWriteFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.reporter.fail = map[status.Status]error{
		status.Complete: apperrors.Persistence("report", errors.New("document doc-1 does not exist")),
	}
	j := NewJob("job-persist", testRequest("doc-1"))

	res, err := h.pipeline.Run(context.Background(), j)

	assert.Nil(t, res)
	require.ErrorIs(t, err, apperrors.ErrPersistence)
	reports := h.reporter.all()
	require.Len(t, reports, 1, "no second terminal write after the complete write fails")
	assert.Equal(t, status.Complete, reports[0].status)
	assert.Empty(t, h.workspaces(t))
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, status.Failed, j.Status)
}

func TestPipeline_FailedWriteErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.fail = map[string]error{StagePreprocess: &apperrors.StageError{Stage: StagePreprocess, ExitCode: 1, Started: true}}
	h.reporter.fail = map[status.Status]error{
		status.Failed: apperrors.Persistence("report", errors.New("unavailable")),
	}

	_, err := h.pipeline.Run(context.Background(), NewJob("job-swallow", testRequest("doc-1")))

	require.ErrorIs(t, err, apperrors.ErrStage, "original error is surfaced")
	assert.NotErrorIs(t, err, apperrors.ErrPersistence)
	assert.Len(t, h.reporter.all(), 1)
	assert.Empty(t, h.workspaces(t))
}

// cancellingRunner cancels the job context when the named stage starts.
// With sleep set, the stage is then run as a real process that would take
// seconds; otherwise the fake tool chain finishes the stage.
type cancellingRunner struct {
	*fakeRunner
	at     string
	sleep  bool
	cancel context.CancelFunc
}

func (r *cancellingRunner) Run(ctx context.Context, inv stage.Invocation) error {
	if inv.Name != r.at {
		return r.fakeRunner.Run(ctx, inv)
	}
	r.cancel()
	if r.sleep {
		return (&stage.ExecRunner{}).Run(ctx, stage.Invocation{
			Name: inv.Name, Program: "/bin/sh", Args: []string{"-c", "sleep 5"}, Dir: inv.Dir,
		})
	}
	return r.fakeRunner.Run(ctx, inv)
}

func newSQLitePipeline(t *testing.T, runner stage.Runner) (*Pipeline, *status.SQLite, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "jobs")
	mgr, err := workspace.NewManager(root)
	require.NoError(t, err)
	store, err := status.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewPipeline(mgr, newFakeStore(), runner, store, nil, PipelineConfig{Contract: DefaultContract()}), store, root
}

func TestPipeline_CancelledJobStillRecordsFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &cancellingRunner{fakeRunner: newFakeRunner(), at: StageFit, sleep: true, cancel: cancel}
	p, store, root := newSQLitePipeline(t, runner)
	require.NoError(t, store.Register(context.Background(), "doc-1"))

	_, err := p.Run(ctx, NewJob("job-cancel", testRequest("doc-1")))

	require.ErrorIs(t, err, apperrors.ErrStage)
	assert.ErrorIs(t, err, context.Canceled)

	rec, lerr := store.Lookup(context.Background(), "doc-1")
	require.NoError(t, lerr)
	assert.Equal(t, status.Failed, rec.Status, "terminal write survives the cancelled job context")

	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries)
}

func TestPipeline_CancelAfterExportStillRecordsComplete(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &cancellingRunner{fakeRunner: newFakeRunner(), at: StageExport, cancel: cancel}
	p, store, _ := newSQLitePipeline(t, runner)
	require.NoError(t, store.Register(context.Background(), "doc-1"))

	res, err := p.Run(ctx, NewJob("job-late-cancel", testRequest("doc-1")))
	require.NoError(t, err)

	rec, err := store.Lookup(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, status.Complete, rec.Status)
	assert.Equal(t, res.ArtifactURL, rec.ArtifactURL)
}

func TestPipeline_WorkspaceCreateFails(t *testing.T) {
	t.Parallel()
	rootFile := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(rootFile, nil, 0o644))
	mgr, err := workspace.NewManager(rootFile)
	require.NoError(t, err)

	runner := newFakeRunner()
	reporter := newFakeReporter()
	p := NewPipeline(mgr, newFakeStore(), runner, reporter, nil, PipelineConfig{Contract: DefaultContract()})

	_, err = p.Run(context.Background(), NewJob("job-noroot", testRequest("doc-1")))

	require.ErrorIs(t, err, apperrors.ErrResource)
	assert.Equal(t, []report{{docID: "doc-1", status: status.Failed}}, reporter.all())
	assert.Empty(t, runner.stageNames())
}

func TestPipeline_CustomArtifactRootAndExt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := DefaultContract()
	c.ArtifactName = "model.splat"
	h.pipeline = NewPipeline(h.pipeline.workspaces, h.store, h.runner, h.reporter, nil, PipelineConfig{
		Contract:     c,
		ArtifactRoot: "models",
	})

	res, err := h.pipeline.Run(context.Background(), NewJob("job-ext", testRequest("doc-9")))
	require.NoError(t, err)

	assert.Equal(t, "https://blob.test/models/user-1/doc-9.splat", res.ArtifactURL)
}

func TestArtifactKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "splat-models/unknown_user/abc.ply", ArtifactKey("splat-models", "unknown_user", "abc", "ply"))
}

func TestInputFileName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"videos/u1/clip.webm": "clip.webm",
		"clip.mp4":            "clip.mp4",
		"videos/dir/":         "dir",
		"":                    "input",
		"/":                   "input",
	}
	for in, want := range tests {
		assert.Equal(t, want, inputFileName(in), "inputFileName(%q)", in)
	}
}
