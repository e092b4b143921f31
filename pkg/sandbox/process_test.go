package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	root := t.TempDir()
	return Config{Root: root}
}

func TestRunner_Run_Success(t *testing.T) {
	r := NewRunner(testConfig(t))

	res, err := r.Run(context.Background(), "echo -n hi", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunner_Run_NonZeroExit(t *testing.T) {
	r := NewRunner(testConfig(t))

	res, err := r.Run(context.Background(), "exit 1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunner_Run_Timeout(t *testing.T) {
	r := NewRunner(testConfig(t))

	res, err := r.Run(context.Background(), "sleep 5", "", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, timeoutExitCode, res.ExitCode)
	assert.Contains(t, res.Stderr, "timed out")
}

func TestRunner_Run_CurateEnv(t *testing.T) {
	cfg := testConfig(t)
	r := NewRunner(cfg)

	res, err := r.Run(context.Background(), "echo -n $VIRTUAL_ENV", "", 0)
	require.NoError(t, err)
	assert.Equal(t, cfg.PyVenv(), res.Stdout)
}
