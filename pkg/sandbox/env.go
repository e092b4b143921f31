package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const installPerPackageTimeout = 120 * time.Second

// InstallSummary is the aggregated {success, installed[], failed[]} outcome
// of an install operation. Never fatal: failures are surfaced here and in
// logs, but do not gate readiness (the service still admits requests).
type InstallSummary struct {
	Success   bool
	Installed []string
	Failed    []string
}

// EnvInstaller prepares and provisions the per-language workspaces.
// Workspace bootstrap is idempotent: directories are created if missing
// and already-provisioned state is detected before spawning installers.
type EnvInstaller struct {
	cfg    Config
	runner *Runner
}

// NewEnvInstaller builds an EnvInstaller bound to cfg.
func NewEnvInstaller(cfg Config, runner *Runner) *EnvInstaller {
	return &EnvInstaller{cfg: cfg, runner: runner}
}

// PrepareNodeWorkspace creates <root>/js-ts with a minimal package.json and an
// empty node_modules/ unless both already exist, in which case it reports
// "pre-provisioned" without altering anything. No-op in local mode.
func (e *EnvInstaller) PrepareNodeWorkspace() (preProvisioned bool, err error) {
	if e.cfg.Local {
		return true, nil
	}

	pkgJSON := e.cfg.JSWorkspace() + "/package.json"
	nodeModules := e.cfg.NodeModules()

	if pathExists(pkgJSON) && pathExists(nodeModules) {
		return true, nil
	}

	if err := os.MkdirAll(e.cfg.JSWorkspace(), 0o755); err != nil {
		return false, fmt.Errorf("create js-ts workspace: %w", err)
	}
	if !pathExists(pkgJSON) {
		manifest := `{"name":"sandbox-workspace","private":true,"type":"module"}` + "\n"
		if err := os.WriteFile(pkgJSON, []byte(manifest), 0o644); err != nil {
			return false, fmt.Errorf("write package.json: %w", err)
		}
	}
	if err := os.MkdirAll(nodeModules, 0o755); err != nil {
		return false, fmt.Errorf("create node_modules: %w", err)
	}
	return false, nil
}

// PrepareVenv creates the Python virtual environment at <root>/py/venv unless it
// already exists. No-op in local mode.
func (e *EnvInstaller) PrepareVenv(ctx context.Context) (preProvisioned bool, err error) {
	if e.cfg.Local {
		return true, nil
	}

	if pathExists(e.cfg.PyVenv()) {
		return true, nil
	}

	if err := os.MkdirAll(e.cfg.PyWorkspace(), 0o755); err != nil {
		return false, fmt.Errorf("create py workspace: %w", err)
	}

	res, err := e.runner.Run(ctx, fmt.Sprintf("python -m venv %s", e.cfg.PyVenv()), e.cfg.PyWorkspace(), installPerPackageTimeout)
	if err != nil {
		return false, fmt.Errorf("create venv: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("create venv: exit %d: %s", res.ExitCode, res.Stderr)
	}
	return false, nil
}

// InstallNode installs each (pkg, versionSpec) pair with cwd <root>/js-ts, a
// 120s-per-package timeout, collecting installed/failed lists. No-op in
// local mode.
func (e *EnvInstaller) InstallNode(ctx context.Context, deps map[string]string) InstallSummary {
	if e.cfg.Local || len(deps) == 0 {
		return InstallSummary{Success: true}
	}

	summary := InstallSummary{Success: true}
	for pkg, ver := range deps {
		spec := pkg
		if ver != "" {
			spec = fmt.Sprintf("%s@%s", pkg, ver)
		}
		res, err := e.runner.Run(ctx, fmt.Sprintf("npm install --no-save %s", spec), e.cfg.JSWorkspace(), installPerPackageTimeout)
		if err != nil || res.ExitCode != 0 {
			klog.Warningf("npm install %s failed: err=%v exitCode=%d stderr=%s", spec, err, res.ExitCode, res.Stderr)
			summary.Failed = append(summary.Failed, pkg)
			summary.Success = false
			continue
		}
		summary.Installed = append(summary.Installed, pkg)
	}
	return summary
}

// InstallPython parses requirements (blank lines and # comments skipped) and
// installs each entry with the venv's pip, 120s-per-entry timeout. No-op in
// local mode.
func (e *EnvInstaller) InstallPython(ctx context.Context, requirements string) InstallSummary {
	if e.cfg.Local {
		return InstallSummary{Success: true}
	}

	specs := parseRequirements(requirements)
	if len(specs) == 0 {
		return InstallSummary{Success: true}
	}

	pip := e.cfg.PyVenv() + "/bin/pip"
	summary := InstallSummary{Success: true}
	for _, spec := range specs {
		res, err := e.runner.Run(ctx, fmt.Sprintf("%s install %s", pip, spec), e.cfg.PyWorkspace(), installPerPackageTimeout)
		if err != nil || res.ExitCode != 0 {
			klog.Warningf("pip install %s failed: err=%v exitCode=%d stderr=%s", spec, err, res.ExitCode, res.Stderr)
			summary.Failed = append(summary.Failed, spec)
			summary.Success = false
			continue
		}
		summary.Installed = append(summary.Installed, spec)
	}
	return summary
}

func parseRequirements(text string) []string {
	var specs []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		specs = append(specs, line)
	}
	return specs
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
