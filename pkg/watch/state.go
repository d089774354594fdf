package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sriram-PR/gallery-archiver/pkg/pipeline"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

const stateFileName = "watch_state.json"

// RunRecord describes the last scheduled run
type RunRecord struct {
	RunID          string    `json:"run_id"`
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	Galleries      int       `json:"galleries"`
	Stored         int       `json:"stored"`
	Exhausted      bool      `json:"exhausted"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// WatchState contains the persistent state for the watch scheduler
type WatchState struct {
	Last      *RunRecord `json:"last,omitempty"`
	TotalRuns int        `json:"total_runs"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StateManager handles persisting and loading watch state
type StateManager struct {
	statePath string
	state     WatchState
	mu        sync.RWMutex
}

// NewStateManager creates a state manager keeping its file in stateDir
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{statePath: filepath.Join(stateDir, stateFileName)}
}

// Load loads the state from disk. A missing file starts fresh.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.state = WatchState{}
			return nil
		}
		return fmt.Errorf("%w: read watch state: %w", utils.ErrFilesystem, err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("%w: watch state: %w", utils.ErrStateCorrupt, err)
	}
	return nil
}

// Save writes the state atomically
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode watch state: %w", utils.ErrParsing, err)
	}
	return utils.WriteFileAtomic(m.statePath, data, 0644)
}

// Last returns the record of the previous run, if any
func (m *StateManager) Last() (RunRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Last == nil {
		return RunRecord{}, false
	}
	return *m.state.Last, true
}

// TotalRuns returns how many runs have been recorded
func (m *StateManager) TotalRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.TotalRuns
}

// Record stores the outcome of a run
func (m *StateManager) Record(result pipeline.RunResult, runErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &RunRecord{
		RunID:          result.RunID,
		LastRunTime:    time.Now(),
		LastRunSuccess: runErr == nil,
		Galleries:      len(result.Galleries),
		Stored:         result.Stored(),
		Exhausted:      result.Exhausted,
	}
	if runErr != nil {
		rec.ErrorMessage = runErr.Error()
	}
	m.state.Last = rec
	m.state.TotalRuns++
}

// ShouldRun reports whether interval has passed since the last run
func (m *StateManager) ShouldRun(interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Last == nil {
		return true
	}
	return time.Since(m.state.Last.LastRunTime) >= interval
}

// NextRunTime returns when the next run is due
func (m *StateManager) NextRunTime(interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Last == nil {
		return time.Now()
	}
	return m.state.Last.LastRunTime.Add(interval)
}
