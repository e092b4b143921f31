package sandbox

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	found       bool
	restoreErr  error
	checkpoints int
	checkErr    error
	markers     int
}

func (f *fakeMigrator) Restore(context.Context) (bool, error) { return f.found, f.restoreErr }
func (f *fakeMigrator) Checkpoint(context.Context) error {
	f.checkpoints++
	return f.checkErr
}
func (f *fakeMigrator) WriteStartupMarker() error {
	f.markers++
	return nil
}

func newTestLifecycle(t *testing.T, migrator Migrator) *Lifecycle {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.PyWorkspace(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.JSWorkspace(), 0o755))
	runner := NewRunner(cfg)
	installer := NewEnvInstaller(cfg, runner)
	return NewLifecycle(cfg, installer, runner, migrator)
}

func TestLifecycle_Start_MarksReadyOnEmptyInitScript(t *testing.T) {
	l := newTestLifecycle(t, nil)

	l.Start(context.Background(), StartupSpec{})

	complete, errMsg := l.Readiness.Snapshot()
	assert.True(t, complete)
	assert.Empty(t, errMsg)
}

func TestLifecycle_Start_InitScriptFailureMarksUnhealthy(t *testing.T) {
	l := newTestLifecycle(t, nil)

	l.Start(context.Background(), StartupSpec{InitScript: "exit 3"})

	complete, errMsg := l.Readiness.Snapshot()
	assert.True(t, complete)
	assert.NotEmpty(t, errMsg)
}

func TestLifecycle_Start_RestoreSkipsInstall(t *testing.T) {
	migrator := &fakeMigrator{found: true}
	l := newTestLifecycle(t, migrator)

	l.Start(context.Background(), StartupSpec{})

	complete, errMsg := l.Readiness.Snapshot()
	assert.True(t, complete)
	assert.Empty(t, errMsg)
	assert.NoFileExists(t, l.cfg.JSWorkspace()+"/package.json")
}

func TestLifecycle_Start_RestoreErrorFallsBackToInstall(t *testing.T) {
	migrator := &fakeMigrator{restoreErr: errors.New("kv unreachable")}
	l := newTestLifecycle(t, migrator)

	l.Start(context.Background(), StartupSpec{})

	complete, _ := l.Readiness.Snapshot()
	assert.True(t, complete)
	assert.FileExists(t, l.cfg.JSWorkspace()+"/package.json")
}

func TestLifecycle_Start_LocalModeSkipsEverything(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local = true
	runner := NewRunner(cfg)
	l := NewLifecycle(cfg, NewEnvInstaller(cfg, runner), runner, &fakeMigrator{found: true})

	l.Start(context.Background(), StartupSpec{InitScript: "exit 1"})

	complete, errMsg := l.Readiness.Snapshot()
	assert.True(t, complete)
	assert.Empty(t, errMsg)
}

func TestLifecycle_Start_WritesMarkerOnRestoredAndFreshStarts(t *testing.T) {
	for name, found := range map[string]bool{"restored": true, "fresh": false} {
		t.Run(name, func(t *testing.T) {
			migrator := &fakeMigrator{found: found}
			l := newTestLifecycle(t, migrator)

			l.Start(context.Background(), StartupSpec{})

			assert.Equal(t, 1, migrator.markers)
		})
	}
}

func TestLifecycle_Checkpoint_SwallowsErrors(t *testing.T) {
	migrator := &fakeMigrator{checkErr: errors.New("upload failed")}
	l := newTestLifecycle(t, migrator)

	assert.NotPanics(t, func() { l.Checkpoint(context.Background()) })
	assert.Equal(t, 1, migrator.checkpoints)
}
