package core

import "sync"

// Metrics tracks orchestration counters for the lifetime of the process.
type Metrics struct {
	mu             sync.RWMutex
	sessions       int
	succeeded      int
	failed         int
	timedOut       int
	aborted        int
	teardownAlerts int
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Sessions       int
	Succeeded      int
	Failed         int
	TimedOut       int
	Aborted        int
	TeardownAlerts int
}

func (m *Metrics) SessionStarted() {
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
}

func (m *Metrics) SessionFinished(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case "succeeded":
		m.succeeded++
	case "failed":
		m.failed++
	case "timed_out":
		m.timedOut++
	case "aborted":
		m.aborted++
	}
}

func (m *Metrics) TeardownAlert() {
	m.mu.Lock()
	m.teardownAlerts++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Sessions:       m.sessions,
		Succeeded:      m.succeeded,
		Failed:         m.failed,
		TimedOut:       m.timedOut,
		Aborted:        m.aborted,
		TeardownAlerts: m.teardownAlerts,
	}
}
