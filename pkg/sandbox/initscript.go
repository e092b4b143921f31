package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const initScriptTimeout = 300 * time.Second

// RunInitScript treats an empty or whitespace script as a no-op success;
// otherwise the script is written to a temp init-*.sh, made executable,
// and run via bash with cwd at the sandbox root and the Runner's curated
// environment. A non-zero exit returns a descriptive error; the Lifecycle
// records it in Readiness but still marks startup complete. The temp file
// is removed on every exit path.
func RunInitScript(ctx context.Context, cfg Config, runner *Runner, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}

	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("init-%s.sh", uuid.NewString()))
	if err := os.WriteFile(tmpFile, []byte(script), 0o755); err != nil {
		return fmt.Errorf("materialize init script: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpFile); err != nil && !os.IsNotExist(err) {
			klog.Warningf("failed to remove init script %s: %v", tmpFile, err)
		}
	}()

	if err := os.Chmod(tmpFile, 0o755); err != nil {
		return fmt.Errorf("chmod init script: %w", err)
	}

	res, err := runner.Run(ctx, "bash "+shellQuote(tmpFile), cfg.Root, initScriptTimeout)
	if err != nil {
		return fmt.Errorf("run init script: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("init script exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
