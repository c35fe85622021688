// Package backupstate is the single-flight guard preventing overlapping
// backup cycles: idle ⇄ running, mutex-protected.
package backupstate

import (
	"sync"
	"time"

	"github.com/stormcloud/backup/pkg/types"
)

// Machine wraps types.BackupState behind a mutex. start/complete/
// check_timeout are the only permitted mutators.
type Machine struct {
	mu    sync.Mutex
	state types.BackupState
}

// New returns an idle Machine.
func New() *Machine {
	return &Machine{}
}

// Start attempts to begin a cycle from idle. Returns false if a cycle
// is already running, in which case the caller must skip this tick.
func (m *Machine) Start(source types.OperationSource) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.InProgress {
		return false
	}
	m.state.InProgress = true
	m.state.StartTime = time.Now()
	m.state.CurrentSource = source
	return true
}

// Complete clears in_progress and, on success, updates last_successful.
func (m *Machine) Complete(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.InProgress = false
	if success {
		m.state.LastSuccessful = time.Now()
	}
}

// CheckTimeout force-completes a stuck cycle as failed if it has run
// longer than maxDuration. Returns true if it forced a completion.
func (m *Machine) CheckTimeout(maxDuration time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.InProgress {
		return false
	}
	if time.Since(m.state.StartTime) <= maxDuration {
		return false
	}
	m.state.InProgress = false
	return true
}

// Snapshot returns a copy of the current state for read-only callers
// (the schedule evaluator, status reporting).
func (m *Machine) Snapshot() types.BackupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
