package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPFacade exposes file, exec, and run-code operations as JSON-RPC tools
// over a streaming HTTP transport at POST /mcp. A new server+transport
// instance is built per request and discarded when the connection closes;
// the shared operation layer underneath carries all state.
type MCPFacade struct {
	cfg      Config
	resolver *Resolver
	files    *FileOps
	runner   *Runner
	executor *Executor
}

// NewMCPFacade builds a facade bound to the engine's operation layer.
func NewMCPFacade(cfg Config, resolver *Resolver, files *FileOps, runner *Runner, executor *Executor) *MCPFacade {
	return &MCPFacade{cfg: cfg, resolver: resolver, files: files, runner: runner, executor: executor}
}

// ServeHTTP constructs a fresh MCP server + StreamableHTTP transport for
// this single request and serves it. Tool names are part of the client
// contract: execute, write-file, read-file, list-files.
func (m *MCPFacade) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv := server.NewMCPServer("sandboxd", "1.0.0")

	srv.AddTool(mcplib.NewTool("execute",
		mcplib.WithDescription("Run a shell command or {js,ts,py} snippet in the sandbox"),
		mcplib.WithString("command", mcplib.Required(), mcplib.Description("The command or source code to run")),
		mcplib.WithString("language", mcplib.Description("shell (default), js, ts, or py")),
		mcplib.WithString("cwd", mcplib.Description("Working directory, relative to the sandbox root")),
		mcplib.WithNumber("timeoutSecs", mcplib.Description("Timeout in seconds, default 30")),
	), m.handleExecute)

	srv.AddTool(mcplib.NewTool("write-file",
		mcplib.WithDescription("Write content to a file in the sandbox, creating parent directories"),
		mcplib.WithString("path", mcplib.Required()),
		mcplib.WithString("content", mcplib.Required()),
		mcplib.WithString("mode", mcplib.Description("Optional octal file mode, e.g. \"644\"")),
	), m.handleWriteFile)

	srv.AddTool(mcplib.NewTool("read-file",
		mcplib.WithDescription("Read a file's contents from the sandbox"),
		mcplib.WithString("path", mcplib.Required()),
	), m.handleReadFile)

	srv.AddTool(mcplib.NewTool("list-files",
		mcplib.WithDescription("List a directory's contents in the sandbox"),
		mcplib.WithString("path", mcplib.Description("Defaults to the sandbox root")),
	), m.handleListFiles)

	transport := server.NewStreamableHTTPServer(srv)
	transport.ServeHTTP(w, r)
}

func (m *MCPFacade) handleExecute(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	command := req.GetString("command", "")
	lang, err := NormalizeLang(req.GetString("language", ""))
	if err != nil {
		return errorResult(err)
	}
	cwd := req.GetString("cwd", "")
	timeout := time.Duration(req.GetFloat("timeoutSecs", 30)) * time.Second

	var result ExecutionResult
	if lang == LangShell {
		runCwd := m.cfg.Root
		if cwd != "" {
			abs, rerr := m.resolver.Resolve(cwd)
			if rerr != nil {
				return toolResult(ExecutionResult{Stderr: "sandbox escape: " + rerr.Error(), ExitCode: 1, Language: LangShell})
			}
			runCwd = abs
		}
		res, runErr := m.runner.Run(ctx, command, runCwd, timeout)
		if runErr != nil {
			return errorResult(runErr)
		}
		result = ExecutionResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Language: LangShell}
	} else {
		result = m.executor.Execute(ctx, command, lang, cwd, timeout)
	}
	return toolResult(result)
}

func (m *MCPFacade) handleWriteFile(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := req.GetString("path", "")
	content := req.GetString("content", "")

	var mode os.FileMode
	if modeStr := req.GetString("mode", ""); modeStr != "" {
		if parsed, err := strconv.ParseUint(modeStr, 8, 32); err == nil {
			mode = os.FileMode(parsed)
		}
	}

	size, abs, err := m.files.WriteBinary(p, []byte(content), mode)
	if err != nil {
		return toolResult(gin.H{"success": false, "error": err.Error()})
	}
	return toolResult(gin.H{"success": true, "path": abs, "size": size})
}

func (m *MCPFacade) handleReadFile(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := req.GetString("path", "")
	data, mimeType, err := m.files.ReadBinary(p)
	if err != nil {
		return toolResult(gin.H{"success": false, "error": err.Error()})
	}
	return toolResult(gin.H{"success": true, "path": p, "content": string(data), "mimeType": mimeType, "size": len(data)})
}

func (m *MCPFacade) handleListFiles(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := req.GetString("path", "")
	listing, err := m.files.ListDetailed(p)
	if err != nil {
		return toolResult(gin.H{"success": false, "error": err.Error()})
	}
	return toolResult(listing)
}

// toolResult encodes v as the tool's single text content item. isError is
// derived from the operation result's own success/exitCode field, not a Go
// error — file and execution operations report expected failure modes in
// their result payloads, not as Go errors.
func toolResult(v any) (*mcplib.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	isError := false
	switch t := v.(type) {
	case ExecutionResult:
		isError = t.ExitCode != 0
	case gin.H:
		if ok, present := t["success"].(bool); present {
			isError = !ok
		}
	}
	result := mcplib.NewToolResultText(string(b))
	result.IsError = isError
	return result, nil
}

func errorResult(err error) (*mcplib.CallToolResult, error) {
	return mcplib.NewToolResultError(err.Error()), nil
}
