package sandbox

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
)

// pollInterval is how often the idle monitor checks lastActivityAt against
// the configured timeout.
const pollInterval = 30 * time.Second

// ActivityMonitor holds a single lastActivityAt timestamp, bumped by
// non-probe HTTP requests and terminal byte traffic, watched by a
// background goroutine that triggers a graceful exit once the gap exceeds
// idleTimeoutSecs. Touches only need last-writer-wins, so a mutex-guarded
// time.Time is sufficient and avoids the lossy conversion of an atomic
// int64 of UnixNano.
type ActivityMonitor struct {
	mu           sync.RWMutex
	lastActivity time.Time

	idleTimeout time.Duration
	onIdle      func()

	stopped atomic.Bool
	stopCh  chan struct{}
}

// NewActivityMonitor builds a monitor with idleTimeoutSecs<=0 meaning
// disabled (onIdle is never called). onIdle is invoked at most once.
func NewActivityMonitor(idleTimeoutSecs int, onIdle func()) *ActivityMonitor {
	return &ActivityMonitor{
		lastActivity: time.Now(),
		idleTimeout:  time.Duration(idleTimeoutSecs) * time.Second,
		onIdle:       onIdle,
		stopCh:       make(chan struct{}),
	}
}

// Touch records activity now. Safe for concurrent use.
func (m *ActivityMonitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// LastActivity returns the last recorded activity time.
func (m *ActivityMonitor) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// Run blocks, polling every pollInterval, until Stop is called or the idle
// deadline is crossed exactly once. Intended to run in its own goroutine
// for the lifetime of the process.
func (m *ActivityMonitor) Run() {
	if m.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			idleFor := time.Since(m.LastActivity())
			if idleFor > m.idleTimeout {
				klog.Infof("idle for %s (limit %s), triggering shutdown", idleFor, m.idleTimeout)
				if m.onIdle != nil {
					m.onIdle()
				}
				return
			}
		}
	}
}

// Stop terminates a running Run loop without firing onIdle.
func (m *ActivityMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}
