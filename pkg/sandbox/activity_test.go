package sandbox

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActivityMonitor_Touch_UpdatesLastActivity(t *testing.T) {
	m := NewActivityMonitor(0, nil)
	before := m.LastActivity()
	time.Sleep(time.Millisecond)
	m.Touch()
	assert.True(t, m.LastActivity().After(before))
}

func TestActivityMonitor_Disabled_NeverFires(t *testing.T) {
	var fired atomic.Bool
	m := NewActivityMonitor(0, func() { fired.Store(true) })

	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		m.Stop()
	}
	assert.False(t, fired.Load())
}

func TestActivityMonitor_Stop_NeverFiresOnIdle(t *testing.T) {
	var fired atomic.Bool
	m := NewActivityMonitor(3600, func() { fired.Store(true) })

	go m.Run()
	time.Sleep(10 * time.Millisecond)
	m.Stop()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, fired.Load())
}
