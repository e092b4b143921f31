package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/opensandbox/sandboxd/pkg/migration"
	"github.com/opensandbox/sandboxd/pkg/sandbox"
)

const checkpointTimeout = 4 * time.Minute

func main() {
	cfg := sandbox.LoadConfig()

	port := flag.Int("port", cfg.Port, "Port for the sandbox server to listen on")
	root := flag.String("root", cfg.Root, "Sandbox root directory for file operations")
	idleTimeout := flag.Int("idle-timeout", cfg.IdleTimeoutSecs, "Seconds of inactivity before graceful exit (<=0 disables)")
	flag.Parse()
	cfg.Port = *port
	cfg.Root = *root
	cfg.IdleTimeoutSecs = *idleTimeout

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		log.Fatalf("Failed to create sandbox root %s: %v", cfg.Root, err)
	}

	resolver := sandbox.NewResolver(cfg.Root)
	files := sandbox.NewFileOps(resolver)
	runner := sandbox.NewRunner(cfg)
	executor := sandbox.NewExecutor(cfg, runner, resolver)
	installer := sandbox.NewEnvInstaller(cfg, runner)
	mcp := sandbox.NewMCPFacade(cfg, resolver, files, runner, executor)

	var migrator sandbox.Migrator
	if !cfg.Local {
		store, err := migration.Storage()
		if err != nil {
			klog.Errorf("migration store unavailable, persistence disabled: %v", err)
		} else {
			migrator = migration.New(cfg, runner, store)
		}
	}

	lifecycle := sandbox.NewLifecycle(cfg, installer, runner, migrator)

	monitor := sandbox.NewActivityMonitor(cfg.IdleTimeoutSecs, func() {
		klog.Info("idle timeout reached, exiting gracefully")
		os.Exit(0)
	})
	go monitor.Run()

	terminal := sandbox.NewTerminalSupervisor(cfg, monitor)
	stopTerminal := make(chan struct{})
	if !cfg.Local {
		go terminal.Start(stopTerminal)
	}

	go lifecycle.Start(context.Background(), startupSpecFromEnv())

	// The platform halts traffic and signals the container when a live
	// migration begins; checkpoint the delta before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		klog.Infof("received %s, running migration checkpoint", sig)
		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		defer cancel()
		lifecycle.Checkpoint(ctx)
		os.Exit(0)
	}()

	server := sandbox.NewServer(cfg, resolver, files, runner, executor, lifecycle, monitor, terminal, mcp)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// startupSpecFromEnv reads the orchestrator-injected environment setup:
// SANDBOX_NODE_DEPENDENCIES is a JSON object of package to version spec,
// SANDBOX_PYTHON_REQUIREMENTS is requirements-format text, and
// SANDBOX_INIT_SCRIPT is a one-shot shell script.
func startupSpecFromEnv() sandbox.StartupSpec {
	spec := sandbox.StartupSpec{
		PythonRequirements: os.Getenv("SANDBOX_PYTHON_REQUIREMENTS"),
		InitScript:         os.Getenv("SANDBOX_INIT_SCRIPT"),
	}
	if raw := os.Getenv("SANDBOX_NODE_DEPENDENCIES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &spec.NodeDependencies); err != nil {
			klog.Errorf("parse SANDBOX_NODE_DEPENDENCIES: %v", err)
		}
	}
	return spec
}
