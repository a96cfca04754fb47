//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reconstructor/internal/api"
	"reconstructor/internal/app"
	"reconstructor/internal/config"
	"reconstructor/internal/job"
	"reconstructor/internal/status"
	"reconstructor/internal/testutil"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellContract stands in for the reconstruction tool chain with /bin/sh.
const shellContract = `
preprocess:
  program: /bin/sh
  args: ["-c", "mkdir -p \"$1\" && cp \"$0\" \"$1/frames.bin\"", "{input}", "{data}"]
fit:
  program: /bin/sh
  args: ["-c", "d=\"$1/splatfacto/2024-01-01_000000\" && mkdir -p \"$d\" && cp \"$0/frames.bin\" \"$d/config.yml\"", "{data}", "{output}"]
export:
  program: /bin/sh
  args: ["-c", "cp \"$0\" \"$1/$2\"", "{config}", "{output}", "{artifact}"]
`

const failingContract = `
preprocess:
  program: /bin/sh
  args: ["-c", "echo 'no frames extracted' >&2; exit 3"]
`

type testEnv struct {
	baseURL string
	bucket  *testutil.Bucket
	root    string
}

// newTestEnv serves the full stack in-process: shell stages, an in-memory
// HTTP bucket and a SQLite status store. When E2E_API_URL is set the tests
// run against that instance instead and skip what they cannot observe.
func newTestEnv(t *testing.T, contract string) *testEnv {
	t.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		require.True(t, testutil.WaitForStatus(t, url+"/readyz", http.StatusOK, testutil.WithTimeout(time.Minute)), "%s never became ready", url)
		return &testEnv{baseURL: url}
	}

	dir := t.TempDir()
	bucket := testutil.NewBucket()
	bucket.Put("videos/clip.mp4", []byte("frames"))
	blobServer := httptest.NewServer(bucket)
	t.Cleanup(blobServer.Close)

	contractFile := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(contractFile, []byte(contract), 0o644))

	t.Setenv("BLOB_HTTP_BASE_URL", blobServer.URL)
	t.Setenv("BLOB_HTTP_PUBLIC_URL", "https://cdn.test")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "status.db"))

	cfg := &config.ServiceConfig{
		WorkspaceRoot:     filepath.Join(dir, "jobs"),
		ArtifactRoot:      "splat-models",
		DefaultOwner:      "unknown_user",
		StageContractFile: contractFile,
		StageRunner:       config.StageRunnerExec,
		BlobBackend:       config.BlobBackendHTTP,
		StatusBackend:     config.StatusBackendSQLite,
	}
	backends := app.Build(context.Background(), cfg, nil)
	t.Cleanup(func() { backends.Close() })
	require.NoError(t, backends.InitErr, "Build")
	for _, doc := range []string{"doc-ok", "doc-fail", "doc-legacy"} {
		require.NoError(t, backends.Register(context.Background(), doc))
	}

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    backends.Service,
		HealthChecker: backends.Health,
	}))
	t.Cleanup(server.Close)

	return &testEnv{baseURL: server.URL, bucket: bucket, root: cfg.WorkspaceRoot}
}

func (e *testEnv) local() bool { return e.bucket != nil }

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.baseURL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err, "POST %s", path)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (e *testEnv) record(t *testing.T, docID string) status.Record {
	t.Helper()
	resp, err := http.Get(e.baseURL + "/v1/jobs/" + docID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET /v1/jobs/%s", docID)

	var rec status.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	return rec
}

func (e *testEnv) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.root)
	if !os.IsNotExist(err) {
		require.NoError(t, err)
	}
	assert.Empty(t, entries, "no workspaces left")
}

func TestAPI_Readyz(t *testing.T) {
	env := newTestEnv(t, shellContract)

	resp, err := http.Get(env.baseURL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Root(t *testing.T) {
	env := newTestEnv(t, shellContract)

	resp, err := http.Get(env.baseURL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var root api.RootResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&root))
	assert.True(t, root.Initialized, "%+v", root)
}

func TestAPI_JobLifecycle(t *testing.T) {
	env := newTestEnv(t, shellContract)
	if !env.local() {
		t.Skip("needs the in-process bucket")
	}

	resp, body := env.post(t, "/v1/jobs", `{"inputObjectRef":"videos/clip.mp4","statusDocId":"doc-ok","ownerRef":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res job.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "https://cdn.test/splat-models/u1/doc-ok.ply", res.ArtifactURL)

	data, ok := env.bucket.Get("splat-models/u1/doc-ok.ply")
	require.True(t, ok, "exported artifact in the bucket")
	assert.Equal(t, "frames", string(data))

	rec := env.record(t, "doc-ok")
	assert.Equal(t, status.Complete, rec.Status)
	assert.Equal(t, res.ArtifactURL, rec.ArtifactURL)
	env.assertNoWorkspaces(t)
}

func TestAPI_LegacyRoute(t *testing.T) {
	env := newTestEnv(t, shellContract)
	if !env.local() {
		t.Skip("needs the in-process bucket")
	}

	resp, body := env.post(t, "/process-video", `{"videoStoragePath":"videos/clip.mp4","firestoreDocId":"doc-legacy"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	_, ok := env.bucket.Get("splat-models/unknown_user/doc-legacy.ply")
	assert.True(t, ok, "artifact under the default owner, have %v", env.bucket.Keys())
}

func TestAPI_StageFailure(t *testing.T) {
	env := newTestEnv(t, failingContract)
	if !env.local() {
		t.Skip("needs the failing contract")
	}

	resp, body := env.post(t, "/v1/jobs", `{"inputObjectRef":"videos/clip.mp4","statusDocId":"doc-fail"}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode, string(body))

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Details, "no frames extracted", "stderr in details")

	rec := env.record(t, "doc-fail")
	assert.Equal(t, status.Failed, rec.Status)
	assert.Empty(t, rec.ArtifactURL)
	assert.Len(t, env.bucket.Keys(), 1, "no uploads")
	env.assertNoWorkspaces(t)
}

func TestAPI_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, shellContract)

	resp, body := env.post(t, "/v1/jobs", `{"statusDocId":"doc-x"}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestAPI_UnknownDocument(t *testing.T) {
	env := newTestEnv(t, shellContract)

	resp, err := http.Get(env.baseURL + "/v1/jobs/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
