package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Executor {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.PyWorkspace(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.JSWorkspace(), 0o755))
	resolver := NewResolver(cfg.Root)
	return NewExecutor(cfg, NewRunner(cfg), resolver)
}

func TestExecutor_Execute_EmptyCodeIsNotInternalError(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), "   ", LangPy, "", 0)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, LangPy, res.Language)
	assert.Contains(t, res.Stderr, "empty")
}

func TestExecutor_Execute_SandboxEscapeCwd(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), "print('hi')", LangPy, "../../etc", 0)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "sandbox escape")
}

func TestExecutor_Execute_TempFileCleanedUp(t *testing.T) {
	e := newTestExecutor(t)

	before, err := filepath.Glob(filepath.Join(os.TempDir(), "sandboxd-exec-*"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.Execute(context.Background(), "print('hi')", LangPy, "", 0)
	}

	after, err := filepath.Glob(filepath.Join(os.TempDir(), "sandboxd-exec-*"))
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestExecutor_Execute_UnsupportedLanguageForCode(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), "echo hi", LangShell, "", 0)
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, strings.Contains(res.Stderr, "unsupported language"))
}
