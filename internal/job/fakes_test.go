package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/stage"
	"reconstructor/internal/status"
	"reconstructor/internal/workspace"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeStore serves inputs from memory and records uploads.
type fakeStore struct {
	mu        sync.Mutex
	inputs    map[string][]byte
	uploads   map[string][]byte
	uploadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inputs:  map[string][]byte{"videos/clip.mp4": []byte("video bytes")},
		uploads: map[string][]byte{},
	}
}

func (s *fakeStore) Download(_ context.Context, remoteKey, localPath string) error {
	s.mu.Lock()
	data, ok := s.inputs[remoteKey]
	s.mu.Unlock()
	if !ok {
		return apperrors.Transfer("download", fmt.Errorf("object %s does not exist", remoteKey))
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *fakeStore) Upload(_ context.Context, localPath, remoteKey string) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", apperrors.Transfer("upload", err)
	}
	s.mu.Lock()
	s.uploads[remoteKey] = data
	s.mu.Unlock()
	return "https://blob.test/" + remoteKey, nil
}

func (s *fakeStore) Ready(context.Context) error { return nil }

func (s *fakeStore) uploadedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.uploads))
	for k := range s.uploads {
		keys = append(keys, k)
	}
	return keys
}

// fakeRunner imitates the tool chain: fit writes timestamped runs with a
// config file, export writes the artifact.
type fakeRunner struct {
	mu    sync.Mutex
	calls []stage.Invocation

	fail         map[string]error // by stage name
	runs         []string         // run directories fit creates
	skipArtifact bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: []string{"2024-05-01_120000"}}
}

func (r *fakeRunner) Run(_ context.Context, inv stage.Invocation) error {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	err := r.fail[inv.Name]
	r.mu.Unlock()
	if err != nil {
		return err
	}

	switch inv.Name {
	case StageFit:
		out := argAfter(inv.Args, "--output-dir")
		for _, run := range r.runs {
			dir := filepath.Join(out, "splatfacto", run)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte("run: "+run), 0o644); err != nil {
				return err
			}
		}
	case StageExport:
		if r.skipArtifact {
			return nil
		}
		out := argAfter(inv.Args, "--output-dir")
		name := argAfter(inv.Args, "--output-name")
		return os.WriteFile(filepath.Join(out, name), []byte("ply\nformat binary_little_endian 1.0\n"), 0o644)
	}
	return nil
}

func (r *fakeRunner) stageNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.calls))
	for i, c := range r.calls {
		names[i] = c.Name
	}
	return names
}

func (r *fakeRunner) call(name string) (stage.Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Name == name {
			return c, true
		}
	}
	return stage.Invocation{}, false
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

type report struct {
	docID  string
	status status.Status
	url    string
}

// fakeReporter records every write attempt, including failed ones.
type fakeReporter struct {
	mu      sync.Mutex
	reports []report
	fail    map[status.Status]error
	records map[string]*status.Record
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{records: map[string]*status.Record{}}
}

func (f *fakeReporter) Report(_ context.Context, docID string, st status.Status, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report{docID: docID, status: st, url: url})
	if err := f.fail[st]; err != nil {
		return err
	}
	f.records[docID] = &status.Record{DocID: docID, Status: st, ArtifactURL: url}
	return nil
}

func (f *fakeReporter) Lookup(_ context.Context, docID string) (*status.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[docID]
	if !ok {
		return nil, apperrors.NotFound("status document", docID)
	}
	return rec, nil
}

func (f *fakeReporter) Ready(context.Context) error { return nil }

func (f *fakeReporter) all() []report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]report(nil), f.reports...)
}

type harness struct {
	root     string
	store    *fakeStore
	runner   *fakeRunner
	reporter *fakeReporter
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := filepath.Join(t.TempDir(), "jobs")
	mgr, err := workspace.NewManager(root)
	require.NoError(t, err)

	h := &harness{
		root:     root,
		store:    newFakeStore(),
		runner:   newFakeRunner(),
		reporter: newFakeReporter(),
	}
	h.pipeline = NewPipeline(mgr, h.store, h.runner, h.reporter, nil, PipelineConfig{
		Contract: DefaultContract(),
	})
	return h
}

// workspaces lists what is left under the workspace root.
func (h *harness) workspaces(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func testRequest(docID string) *Request {
	return &Request{InputObjectRef: "videos/clip.mp4", StatusDocID: docID, OwnerRef: "user-1"}
}
