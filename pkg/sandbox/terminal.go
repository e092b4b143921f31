package sandbox

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

// respawnDelay is how long the supervisor waits after an unexpected exit
// before respawning the PTY child. Fixed cadence, no backoff growth.
const respawnDelay = 5 * time.Second

// rcFileName is the managed bash rcfile the PTY child runs under.
const rcFileName = ".sandboxd_shell_rc"

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TerminalSupervisor supervises a PTY-over-HTTP child bound to a loopback
// port and exposes a reverse proxy for the HTTP server to mount under
// /shell. Plain HTTP is forwarded with httputil.ReverseProxy; WebSocket
// upgrades, the terminal's actual byte stream, are proxied frame by frame
// with gorilla/websocket so traffic in either direction can bump the
// activity timestamp.
type TerminalSupervisor struct {
	cfg     Config
	monitor *ActivityMonitor

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool

	target *url.URL
	proxy  *httputil.ReverseProxy
}

// NewTerminalSupervisor builds a supervisor bound to cfg's loopback
// terminal port. monitor may be nil to disable activity tapping.
func NewTerminalSupervisor(cfg Config, monitor *ActivityMonitor) *TerminalSupervisor {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", cfg.TerminalPort)}
	proxy := httputil.NewSingleHostReverseProxy(target)

	origDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		origDirector(req)
		req.URL.Path = stripShellPrefix(req.URL.Path)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		klog.Warningf("terminal proxy error: %v", err)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"terminal unreachable"}`))
	}

	return &TerminalSupervisor{cfg: cfg, monitor: monitor, target: target, proxy: proxy}
}

func stripShellPrefix(p string) string {
	p = strings.TrimPrefix(p, "/shell")
	if p == "" {
		return "/"
	}
	return p
}

// Start launches the PTY child and supervises it until stop closes or
// Stop is called; it respawns the child respawnDelay after any unexpected
// exit. It is a no-op in local mode. Intended to run in its own goroutine.
func (s *TerminalSupervisor) Start(stop <-chan struct{}) {
	if s.cfg.Local {
		return
	}

	rcPath, err := s.writeManagedRC()
	if err != nil {
		klog.Errorf("terminal: write managed rcfile: %v", err)
		return
	}

	for {
		if s.isStopped() {
			return
		}

		cmd := s.buildCommand(rcPath)
		s.mu.Lock()
		s.cmd = cmd
		s.mu.Unlock()

		klog.Infof("terminal: starting PTY child on 127.0.0.1:%d", s.cfg.TerminalPort)
		if err := cmd.Start(); err != nil {
			klog.Errorf("terminal: failed to start PTY child: %v", err)
		} else if err := cmd.Wait(); err != nil {
			klog.Warningf("terminal: PTY child exited: %v", err)
		} else {
			klog.Warningf("terminal: PTY child exited cleanly; respawning")
		}

		if s.isStopped() {
			return
		}

		select {
		case <-stop:
			return
		case <-time.After(respawnDelay):
		}
	}
}

func (s *TerminalSupervisor) buildCommand(rcPath string) *exec.Cmd {
	cmd := exec.Command("ttyd", "-p", fmt.Sprintf("%d", s.cfg.TerminalPort), "-i", "127.0.0.1",
		"bash", "--rcfile", rcPath)
	cmd.Dir = s.cfg.Root
	cmd.Env = os.Environ()
	return cmd
}

func (s *TerminalSupervisor) writeManagedRC() (string, error) {
	path := filepath.Join(os.TempDir(), rcFileName)
	contents := "PS1='sandbox:\\w\\$ '\ncd \"" + s.cfg.Root + "\" 2>/dev/null\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *TerminalSupervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop terminates the supervised child and prevents further respawns.
func (s *TerminalSupervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// ServeHTTP proxies requests under /shell to the supervised PTY child:
// WebSocket upgrades go through proxyWebSocket (gorilla/websocket, with
// activity tapping), everything else through the plain reverse proxy.
func (s *TerminalSupervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Local {
		http.Error(w, `{"error":"terminal disabled in local mode"}`, http.StatusServiceUnavailable)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.proxyWebSocket(w, r)
		return
	}
	s.proxy.ServeHTTP(w, r)
}

// proxyWebSocket dials the PTY child as a WebSocket client, upgrades the
// inbound connection, and pipes frames in both directions, bumping the
// activity monitor on every frame.
func (s *TerminalSupervisor) proxyWebSocket(w http.ResponseWriter, r *http.Request) {
	backendURL := *s.target
	backendURL.Scheme = "ws"
	backendURL.Path = stripShellPrefix(r.URL.Path)
	backendURL.RawQuery = r.URL.RawQuery

	backendConn, _, err := websocket.DefaultDialer.Dial(backendURL.String(), nil)
	if err != nil {
		klog.Warningf("terminal: dial backend websocket: %v", err)
		http.Error(w, `{"error":"terminal unreachable"}`, http.StatusBadGateway)
		return
	}
	defer backendConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("terminal: upgrade client websocket: %v", err)
		return
	}
	defer clientConn.Close()

	errc := make(chan error, 2)
	go s.pipeWS(clientConn, backendConn, errc)
	go s.pipeWS(backendConn, clientConn, errc)
	<-errc
}

func (s *TerminalSupervisor) pipeWS(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if s.monitor != nil {
			s.monitor.Touch()
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
		if s.monitor != nil {
			s.monitor.Touch()
		}
	}
}
