package sandbox

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	cfg := testConfig(t)
	cfg.Local = true // no ttyd/PTY child available in the test environment
	require.NoError(t, os.MkdirAll(cfg.PyWorkspace(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.JSWorkspace(), 0o755))

	resolver := NewResolver(cfg.Root)
	files := NewFileOps(resolver)
	runner := NewRunner(cfg)
	executor := NewExecutor(cfg, runner, resolver)
	installer := NewEnvInstaller(cfg, runner)
	lifecycle := NewLifecycle(cfg, installer, runner, nil)
	lifecycle.Readiness.MarkReady("")
	activity := NewActivityMonitor(0, nil)
	terminal := NewTerminalSupervisor(cfg, activity)
	mcp := NewMCPFacade(cfg, resolver, files, runner, executor)

	return NewServer(cfg, resolver, files, runner, executor, lifecycle, activity, terminal, mcp)
}

func TestServer_Health_HealthyAfterReady(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestServer_Health_InitializingBeforeReady(t *testing.T) {
	s := newTestServer(t)
	s.lifecycle.Readiness = &Readiness{}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "initializing")
}

func TestServer_Health_UnhealthyWhenErrorSet(t *testing.T) {
	s := newTestServer(t)
	s.lifecycle.Readiness.MarkReady("init script failed")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestServer_Exec_ShellSuccess(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"command":"echo -n hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/exec", body)
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stdout":"hi"`)
	assert.Contains(t, w.Body.String(), `"language":"shell"`)
}

func TestServer_Exec_NonZeroExitIs500(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"command":"exit 1"}`)
	req := httptest.NewRequest(http.MethodPost, "/exec", body)
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"exitCode":1`)
}

func TestServer_Exec_MissingCommandIs400(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"command":""}`)
	req := httptest.NewRequest(http.MethodPost, "/exec", body)
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Exec_SandboxEscapeCwd(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"command":"pwd","cwd":"../../etc"}`)
	req := httptest.NewRequest(http.MethodPost, "/exec", body)
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "sandbox escape")
}

func TestServer_FS_PutThenGet(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/fs/a/b/c.txt", strings.NewReader("hello"))
	s.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"size":5`)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/fs/a/b/c.txt", nil)
	s.Engine().ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "hello", w2.Body.String())
}

func TestServer_FS_PutEmptyBodyIs400(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/fs/empty.txt", strings.NewReader(""))
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_FS_MkdirIdempotent(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/fs/d?mkdir=1", nil)
		s.Engine().ServeHTTP(w, req)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"type":"directory"`)
	}
}

func TestServer_FS_DeleteNonEmptyDirConflict(t *testing.T) {
	s := newTestServer(t)

	put := httptest.NewRecorder()
	s.Engine().ServeHTTP(put, httptest.NewRequest(http.MethodPut, "/fs/proj/a.txt", strings.NewReader("x")))
	require.Equal(t, http.StatusOK, put.Code)

	del := httptest.NewRecorder()
	s.Engine().ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/fs/proj", nil))
	assert.Equal(t, http.StatusConflict, del.Code)
	assert.Contains(t, del.Body.String(), "DIRECTORY_NOT_EMPTY")

	delRecursive := httptest.NewRecorder()
	s.Engine().ServeHTTP(delRecursive, httptest.NewRequest(http.MethodDelete, "/fs/proj?recursive=1", nil))
	assert.Equal(t, http.StatusOK, delRecursive.Code)
}

func TestServer_FS_DeleteThenDeleteAgainFails(t *testing.T) {
	s := newTestServer(t)

	mk := httptest.NewRecorder()
	s.Engine().ServeHTTP(mk, httptest.NewRequest(http.MethodPost, "/fs/d?mkdir=1", nil))
	require.Equal(t, http.StatusCreated, mk.Code)

	del1 := httptest.NewRecorder()
	s.Engine().ServeHTTP(del1, httptest.NewRequest(http.MethodDelete, "/fs/d", nil))
	assert.Equal(t, http.StatusOK, del1.Code)

	del2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(del2, httptest.NewRequest(http.MethodDelete, "/fs/d", nil))
	assert.Equal(t, http.StatusNotFound, del2.Code)
}

func TestServer_FS_AppendCreatesThenGrows(t *testing.T) {
	s := newTestServer(t)

	w1 := httptest.NewRecorder()
	s.Engine().ServeHTTP(w1, httptest.NewRequest(http.MethodPost, "/fs/log.txt?append=1", strings.NewReader("a")))
	require.Equal(t, http.StatusOK, w1.Code)
	assert.Contains(t, w1.Body.String(), `"size":1`)

	w2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/fs/log.txt?append=1", strings.NewReader("bc")))
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), `"size":3`)
}

func TestServer_FS_SymlinkEscape_ReadIs404_WriteIs400(t *testing.T) {
	s := newTestServer(t)

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, s.cfg.Root+"/link"))

	get := httptest.NewRecorder()
	s.Engine().ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/fs/link", nil))
	assert.Equal(t, http.StatusNotFound, get.Code)

	del := httptest.NewRecorder()
	s.Engine().ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/fs/link", nil))
	assert.Equal(t, http.StatusBadRequest, del.Code)
	assert.Contains(t, del.Body.String(), "symlink")
}

func TestServer_FS_PathEscapeIs404(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/fs/../../etc/passwd", nil)
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_MCP_GetAndDeleteAre405(t *testing.T) {
	s := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/mcp", nil)
		s.Engine().ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Contains(t, w.Body.String(), "-32000")
	}
}

func TestServer_LandingAndLLMsTxt(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/llms.txt", nil))
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), "sandboxd")
}

func TestServer_Shell_DisabledInLocalMode(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/shell/", nil)
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
