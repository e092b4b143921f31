package sandbox

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

// jsonBodyLimit and fsBodyLimit cap JSON request bodies and raw file
// uploads respectively.
const (
	jsonBodyLimit = 50 << 20  // 50 MiB
	fsBodyLimit   = 500 << 20 // 500 MiB
)

// Server routes the full HTTP surface, gates only /health on readiness,
// and maps sentinel operation errors to status codes. No authentication
// middleware: the orchestrator enforces network ACLs in front of the
// container.
type Server struct {
	engine *gin.Engine

	cfg       Config
	resolver  *Resolver
	files     *FileOps
	runner    *Runner
	executor  *Executor
	lifecycle *Lifecycle
	activity  *ActivityMonitor
	terminal  *TerminalSupervisor
	mcp       *MCPFacade

	startedAt time.Time
}

// NewServer wires the HTTP Facade over an already-constructed engine.
func NewServer(cfg Config, resolver *Resolver, files *FileOps, runner *Runner, executor *Executor,
	lifecycle *Lifecycle, activity *ActivityMonitor, terminal *TerminalSupervisor, mcp *MCPFacade) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		engine:    engine,
		cfg:       cfg,
		resolver:  resolver,
		files:     files,
		runner:    runner,
		executor:  executor,
		lifecycle: lifecycle,
		activity:  activity,
		terminal:  terminal,
		mcp:       mcp,
		startedAt: time.Now(),
	}

	engine.Use(s.activityMiddleware())
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe starts the HTTP listener on cfg.Port.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	klog.Infof("sandboxd listening on %s", addr)
	return http.ListenAndServe(addr, s.engine)
}

// activityMiddleware bumps the activity monitor for every request except
// /health and requests carrying the orchestrator's readiness-probe header,
// so probes never keep an abandoned sandbox alive.
func (s *Server) activityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.activity != nil && c.Request.URL.Path != "/health" && c.GetHeader(s.cfg.ReadinessProbeHdr) == "" {
			s.activity.Touch()
		}
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/", s.handleLanding)
	s.engine.GET("/llms.txt", s.handleLLMsTxt)

	s.engine.POST("/mcp", gin.WrapH(http.MaxBytesHandler(http.HandlerFunc(s.mcp.ServeHTTP), jsonBodyLimit)))
	s.engine.GET("/mcp", s.handleMCPMethodNotAllowed)
	s.engine.DELETE("/mcp", s.handleMCPMethodNotAllowed)

	s.engine.POST("/exec", s.jsonBodyLimiter(), s.handleExec)

	fsLimiter := s.rawBodyLimiter()
	// "/fs/" itself is matched by the /fs/*path catch-all (empty path = root).
	s.engine.GET("/fs", s.handleFSRoot)
	s.engine.HEAD("/fs", s.handleFSRootHead)
	s.engine.GET("/fs/*path", s.handleFSGet)
	s.engine.HEAD("/fs/*path", s.handleFSHead)
	s.engine.PUT("/fs/*path", fsLimiter, s.handleFSPut)
	s.engine.POST("/fs/*path", fsLimiter, s.handleFSPost)
	s.engine.DELETE("/fs/*path", s.handleFSDelete)

	s.engine.Any("/shell", s.handleShell)
	s.engine.Any("/shell/*path", s.handleShell)
}

func (s *Server) jsonBodyLimiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, jsonBodyLimit)
		c.Next()
	}
}

func (s *Server) rawBodyLimiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, fsBodyLimit)
		c.Next()
	}
}

// --- health / landing ---

func (s *Server) handleHealth(c *gin.Context) {
	complete, errMsg := s.lifecycle.Readiness.Snapshot()
	if !complete {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "initializing"})
		return
	}
	if errMsg != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "message": errMsg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

const landingHTML = `<!DOCTYPE html>
<html><head><title>sandboxd</title></head>
<body><h1>sandboxd</h1><p>containerized code-execution sandbox</p></body></html>
`

func (s *Server) handleLanding(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(landingHTML))
}

const llmsTxt = `# sandboxd

A containerized code-execution sandbox exposing HTTP, MCP, a WebSocket
terminal, and a filesystem API under a single sandbox root.

- POST /exec — run a shell command or {js,ts,py} snippet
- GET/PUT/POST/DELETE /fs/{path} — sandboxed filesystem operations
- POST /mcp — Model Context Protocol tools (execute, read-file, write-file, list-files)
- /shell — interactive terminal (HTTP + WebSocket)
`

func (s *Server) handleLLMsTxt(c *gin.Context) {
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(llmsTxt))
}

func (s *Server) handleMCPMethodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": gin.H{"code": -32000, "message": "method not allowed"}})
}

// --- exec ---

// execRequest is the body of /exec.
type execRequest struct {
	Command     string `json:"command"`
	Language    string `json:"language"`
	Cwd         string `json:"cwd"`
	TimeoutSecs int    `json:"timeoutSecs"`
}

func (s *Server) handleExec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command must not be empty"})
		return
	}
	lang, err := NormalizeLang(req.Language)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := 30 * time.Second
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	var result ExecutionResult
	if lang == LangShell {
		cwd := s.cfg.Root
		if req.Cwd != "" {
			abs, err := s.resolver.Resolve(req.Cwd)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"stdout":   "",
					"stderr":   fmt.Sprintf("sandbox escape: %v", err),
					"exitCode": 1,
					"language": LangShell,
				})
				return
			}
			cwd = abs
		}
		res, runErr := s.runner.Run(c.Request.Context(), req.Command, cwd, timeout)
		if runErr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": runErr.Error()})
			return
		}
		result = ExecutionResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Language: LangShell}
	} else {
		result = s.executor.Execute(c.Request.Context(), req.Command, lang, req.Cwd, timeout)
	}

	status := http.StatusOK
	if result.ExitCode != 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, result)
}

// --- filesystem ---

func fsPath(c *gin.Context) string {
	p := c.Param("path")
	return strings.TrimPrefix(p, "/")
}

func (s *Server) handleFSRoot(c *gin.Context) {
	s.listOrServe(c, "")
}

func (s *Server) handleFSRootHead(c *gin.Context) {
	s.headPath(c, "")
}

func (s *Server) handleFSGet(c *gin.Context) {
	p := fsPath(c)
	st, err := s.files.StatPath(p)
	if err != nil {
		s.readOpError(c, err)
		return
	}
	if !st.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if st.Type == EntryDir {
		s.listOrServe(c, p)
		return
	}
	s.serveFile(c, p, st)
}

func (s *Server) listOrServe(c *gin.Context, p string) {
	download := c.Query("download") == "1"
	st, err := s.files.StatPath(p)
	if err != nil {
		s.readOpError(c, err)
		return
	}
	if !st.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if st.Type == EntryFile {
		s.serveFile(c, p, st)
		return
	}
	if download {
		name := path.Base(p)
		if name == "" || name == "." {
			name = "sandbox"
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
		c.Header("Content-Type", "application/zip")
		c.Status(http.StatusOK)
		if err := s.files.ZipDirectory(p, c.Writer); err != nil {
			klog.Errorf("zip directory %q: %v", p, err)
		}
		return
	}

	listing, err := s.files.ListDetailed(p)
	if err != nil {
		s.readOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (s *Server) serveFile(c *gin.Context, p string, st Stat) {
	data, mimeType, err := s.files.ReadBinary(p)
	if err != nil {
		s.readOpError(c, err)
		return
	}
	if c.Query("download") == "1" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
	}
	c.Data(http.StatusOK, mimeType, data)
}

func (s *Server) handleFSHead(c *gin.Context) {
	s.headPath(c, fsPath(c))
}

func (s *Server) headPath(c *gin.Context, p string) {
	st, err := s.files.StatPath(p)
	if err != nil {
		s.readOpError(c, err)
		return
	}
	if !st.Exists {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("X-File-Type", string(st.Type))
	c.Header("X-Path", p)
	c.Header("Last-Modified", st.Mtime.UTC().Format(http.TimeFormat))
	if st.Type == EntryFile {
		c.Header("Content-Type", mimeTypeFor(p))
		c.Header("Content-Length", strconv.FormatInt(st.Size, 10))
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleFSPut(c *gin.Context) {
	p := fsPath(c)
	if p == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot write to sandbox root"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	size, abs, err := s.files.WriteBinary(p, body, 0)
	if err != nil {
		s.mutateOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": abs, "size": size})
}

func (s *Server) handleFSPost(c *gin.Context) {
	p := fsPath(c)
	mkdir := c.Query("mkdir") == "1"
	appendFlag := c.Query("append") == "1"

	switch {
	case mkdir && appendFlag:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mkdir and append are mutually exclusive"})
	case mkdir:
		s.handleFSMkdir(c, p)
	case appendFlag:
		s.handleFSAppend(c, p)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "must specify ?mkdir=1 or ?append=1"})
	}
}

func (s *Server) handleFSMkdir(c *gin.Context, p string) {
	if p == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot mkdir the sandbox root"})
		return
	}
	abs, err := s.files.Mkdir(p)
	if err != nil {
		s.mutateOpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "path": abs, "type": string(EntryDir)})
}

func (s *Server) handleFSAppend(c *gin.Context, p string) {
	if p == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot append to sandbox root"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing body"})
		return
	}
	size, abs, err := s.files.AppendBinary(p, body)
	if err != nil {
		s.mutateOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": abs, "size": size})
}

func (s *Server) handleFSDelete(c *gin.Context) {
	p := fsPath(c)
	if p == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete the sandbox root"})
		return
	}
	recursive := c.Query("recursive") == "1"
	abs, err := s.files.Delete(p, recursive)
	if err != nil {
		if errors.Is(err, ErrDirNotEmpty) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "DIRECTORY_NOT_EMPTY"})
			return
		}
		s.mutateOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": abs, "deleted": true})
}

// readOpError maps a sentinel OpError on a read endpoint. PATH_ESCAPE is
// collapsed into 404 alongside NOT_FOUND so callers cannot probe what
// exists outside the root.
func (s *Server) readOpError(c *gin.Context, err error) {
	s.opError(c, err, http.StatusNotFound)
}

// mutateOpError maps a sentinel OpError on a mutating endpoint. Here
// PATH_ESCAPE is the request itself being invalid, so it gets 400, while
// NOT_FOUND keeps 404.
func (s *Server) mutateOpError(c *gin.Context, err error) {
	s.opError(c, err, http.StatusBadRequest)
}

func (s *Server) opError(c *gin.Context, err error, escapeStatus int) {
	switch {
	case errors.Is(err, ErrPathEscape):
		c.JSON(escapeStatus, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrDirNotEmpty):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "DIRECTORY_NOT_EMPTY"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// --- terminal ---

func (s *Server) handleShell(c *gin.Context) {
	s.terminal.ServeHTTP(c.Writer, c.Request)
}
