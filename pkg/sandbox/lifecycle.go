package sandbox

import (
	"context"
	"sync"

	"k8s.io/klog/v2"
)

// Readiness is a monotone {complete, error} pair: it transitions once
// from {false, nil} to {true, ...}. Mutated only by the Lifecycle; read
// by the health handler and by every other handler that chooses to
// proceed regardless.
type Readiness struct {
	mu       sync.RWMutex
	complete bool
	errMsg   string
}

// MarkReady transitions to complete=true, optionally carrying an error
// string (set when the init script failed — the controller still proceeds
// to READY-BUT-UNHEALTHY rather than blocking forever).
func (r *Readiness) MarkReady(errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = true
	r.errMsg = errMsg
}

// Snapshot returns the current (complete, errMsg) pair.
func (r *Readiness) Snapshot() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.complete, r.errMsg
}

// Migrator is the persistence capability the Lifecycle composes during
// startup and registers for later invocation on a platform migration
// signal. Kept as a narrow interface here (rather than an import of
// pkg/migration) so pkg/sandbox stays the in-container engine package and
// pkg/migration stays the persistence package; cmd/sandboxd wires the
// concrete implementation in.
type Migrator interface {
	// Restore attempts to restore a prior migration snapshot. found=false
	// with a nil error means "no manifest" — the controller then runs
	// normal install instead.
	Restore(ctx context.Context) (found bool, err error)
	// Checkpoint snapshots changed files and packages to the external K/V.
	// Errors are logged by the caller, never propagated to block shutdown.
	Checkpoint(ctx context.Context) error
	// WriteStartupMarker (re)creates the change-tracking marker at the end
	// of startup, backdated so restored files stay in the next delta.
	WriteStartupMarker() error
}

// Lifecycle drives the startup sequence
//
//	INIT -> (restore? RESTORED : INSTALLING -> INSTALLED) -> INIT_SCRIPT -> READY | READY-BUT-UNHEALTHY
//
// composing the EnvInstaller, RunInitScript, and Migrator.Restore. Every
// failure falls through to serving: log, record in Readiness, keep going.
type Lifecycle struct {
	cfg       Config
	installer *EnvInstaller
	runner    *Runner
	migrator  Migrator

	Readiness *Readiness
}

// NewLifecycle builds a Lifecycle Controller. migrator may be nil (local
// mode, or no persistence backend configured) — restore is then skipped.
func NewLifecycle(cfg Config, installer *EnvInstaller, runner *Runner, migrator Migrator) *Lifecycle {
	return &Lifecycle{
		cfg:       cfg,
		installer: installer,
		runner:    runner,
		migrator:  migrator,
		Readiness: &Readiness{},
	}
}

// StartupSpec carries the env-installer inputs threaded through Start;
// they come from the outer orchestrator's actor input and are parsed
// upstream.
type StartupSpec struct {
	NodeDependencies   map[string]string
	PythonRequirements string
	InitScript         string
}

// Start runs the full startup sequence and returns once readiness has been
// marked (with or without an error). It never returns an error itself:
// every failure mode is recorded in Readiness.
func (l *Lifecycle) Start(ctx context.Context, spec StartupSpec) {
	if l.cfg.Local {
		klog.Info("MODE=local: skipping sandbox env setup, init script, and migration restore")
		l.Readiness.MarkReady("")
		return
	}

	restored := l.restore(ctx)
	if !restored {
		l.install(ctx, spec)
	}

	// The marker is backdated to a pre-restore timestamp, so it is written
	// on every startup: restored files then remain inside the next
	// checkpoint's delta.
	if l.migrator != nil {
		if err := l.migrator.WriteStartupMarker(); err != nil {
			klog.Errorf("write startup marker: %v", err)
		}
	}

	if err := RunInitScript(ctx, l.cfg, l.runner, spec.InitScript); err != nil {
		klog.Errorf("init script failed, marking ready-but-unhealthy: %v", err)
		l.Readiness.MarkReady(err.Error())
		return
	}

	l.Readiness.MarkReady("")
}

func (l *Lifecycle) restore(ctx context.Context) bool {
	if l.migrator == nil {
		return false
	}
	found, err := l.migrator.Restore(ctx)
	if err != nil {
		klog.Errorf("migration restore failed, falling back to base image: %v", err)
		return false
	}
	if found {
		klog.Info("restored prior migration snapshot; skipping env install")
	}
	return found
}

func (l *Lifecycle) install(ctx context.Context, spec StartupSpec) {
	if _, err := l.installer.PrepareNodeWorkspace(); err != nil {
		klog.Errorf("prepare node workspace: %v", err)
	}
	if _, err := l.installer.PrepareVenv(ctx); err != nil {
		klog.Errorf("prepare venv: %v", err)
	}

	nodeSummary := l.installer.InstallNode(ctx, spec.NodeDependencies)
	if !nodeSummary.Success {
		klog.Warningf("node install had failures: installed=%v failed=%v", nodeSummary.Installed, nodeSummary.Failed)
	}

	pySummary := l.installer.InstallPython(ctx, spec.PythonRequirements)
	if !pySummary.Success {
		klog.Warningf("python install had failures: installed=%v failed=%v", pySummary.Installed, pySummary.Failed)
	}
}

// Checkpoint delegates to the Migrator. Checkpoint errors are logged,
// never propagated: a failed snapshot must not block shutdown. Safe to
// call with a nil Migrator (local mode).
func (l *Lifecycle) Checkpoint(ctx context.Context) {
	if l.migrator == nil {
		return
	}
	if err := l.migrator.Checkpoint(ctx); err != nil {
		klog.Errorf("migration checkpoint failed: %v", err)
	}
}
