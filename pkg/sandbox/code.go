package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/google/uuid"
)

// ExecutionResult is the uniform {stdout, stderr, exitCode, language} tuple
// returned by both shell and code execution.
type ExecutionResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Language Lang   `json:"language"`
}

// Executor materializes source to a unique temp file, picks the
// interpreter and per-language cwd, delegates to the Runner, and cleans up
// unconditionally. Every call gets a fresh process; no interpreter state
// survives between runs.
type Executor struct {
	cfg      Config
	runner   *Runner
	resolver *Resolver
}

// NewExecutor builds an Executor bound to cfg.
func NewExecutor(cfg Config, runner *Runner, resolver *Resolver) *Executor {
	return &Executor{cfg: cfg, runner: runner, resolver: resolver}
}

type interpreter struct {
	ext        string
	invoke     func(file string) string
	defaultCwd func(cfg Config) string
}

var interpreters = map[Lang]interpreter{
	LangJS: {
		ext:        ".js",
		invoke:     func(file string) string { return "node " + shellQuote(file) },
		defaultCwd: func(cfg Config) string { return cfg.JSWorkspace() },
	},
	LangTS: {
		ext:        ".ts",
		invoke:     func(file string) string { return "tsx " + shellQuote(file) },
		defaultCwd: func(cfg Config) string { return cfg.JSWorkspace() },
	},
	LangPy: {
		ext:        ".py",
		invoke:     func(file string) string { return "python " + shellQuote(file) },
		defaultCwd: func(cfg Config) string { return cfg.PyWorkspace() },
	},
}

// Execute runs code under lang, honoring an explicit cwd when it resolves
// inside the sandbox root, else defaulting per language. Temp files use a
// random UUID suffix (never a content hash) so concurrent identical
// executions never collide on a single file.
func (e *Executor) Execute(ctx context.Context, code string, lang Lang, cwd string, timeout time.Duration) ExecutionResult {
	interp, ok := interpreters[lang]
	if !ok {
		return ExecutionResult{
			Stderr:   fmt.Sprintf("unsupported language for code execution: %s", lang),
			ExitCode: 1,
			Language: lang,
		}
	}
	if strings.TrimSpace(code) == "" {
		return ExecutionResult{
			Stderr:   "code must not be empty",
			ExitCode: 1,
			Language: lang,
		}
	}

	runCwd := interp.defaultCwd(e.cfg)
	if cwd != "" {
		abs, err := e.resolver.Resolve(cwd)
		if err != nil {
			return ExecutionResult{
				Stderr:   fmt.Sprintf("sandbox escape: %v", err),
				ExitCode: 1,
				Language: lang,
			}
		}
		runCwd = abs
	}

	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("sandboxd-exec-%s%s", uuid.NewString(), interp.ext))
	if err := os.WriteFile(tmpFile, []byte(code), 0o600); err != nil {
		return ExecutionResult{
			Stderr:   fmt.Sprintf("failed to materialize script: %v", err),
			ExitCode: 1,
			Language: lang,
		}
	}
	defer func() {
		if err := os.Remove(tmpFile); err != nil && !os.IsNotExist(err) {
			klog.Warningf("failed to remove temp script %s: %v", tmpFile, err)
		}
	}()

	res, err := e.runner.Run(ctx, interp.invoke(tmpFile), runCwd, timeout)
	if err != nil {
		return ExecutionResult{
			Stderr:   fmt.Sprintf("internal execution failure: %v", err),
			ExitCode: 1,
			Language: lang,
		}
	}

	return ExecutionResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Language: lang,
	}
}

// shellQuote produces a single-quoted shell literal so the invocation
// survives a TempDir containing spaces.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
