// Package stage tracks the lifecycle of a mirai session.
package stage

import (
	"sync"
	"sync/atomic"
)

type Stage string

const (
	Idle        Stage = "Idle"        // The default stage before the session starts
	Running     Stage = "Running"     // Session is advancing ticks normally
	RollingBack Stage = "RollingBack" // Transient, mid-correction after a misprediction
	Desynced    Stage = "Desynced"    // Terminal failure, peers have irrecoverably diverged
	Terminated  Stage = "Terminated"  // Clean shutdown
)

// Terminal reports whether no further transitions are possible from s.
func (s Stage) Terminal() bool {
	return s == Desynced || s == Terminated
}

type Manager struct {
	current *atomic.Value

	mu      sync.Mutex
	waiting map[Stage][]chan struct{}
}

func NewManager() *Manager {
	m := &Manager{
		current: &atomic.Value{},
		waiting: make(map[Stage][]chan struct{}),
	}
	m.current.Store(Idle)
	return m
}

func (m *Manager) Current() Stage {
	return m.current.Load().(Stage)
}

func (m *Manager) CompareAndSwap(oldStage, newStage Stage) (swapped bool) {
	swapped = m.current.CompareAndSwap(oldStage, newStage)
	if swapped {
		m.notify(newStage)
	}
	return swapped
}

func (m *Manager) Store(val Stage) {
	m.current.Store(val)
	m.notify(val)
}

// NotifyOnStage returns a channel that is closed once the manager reaches the
// given stage. If the manager is already at that stage the channel is closed
// immediately.
func (m *Manager) NotifyOnStage(s Stage) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan struct{})
	if m.Current() == s {
		close(ch)
		return ch
	}
	m.waiting[s] = append(m.waiting[s], ch)
	return ch
}

func (m *Manager) notify(s Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.waiting[s] {
		close(ch)
	}
	m.waiting[s] = nil
}
