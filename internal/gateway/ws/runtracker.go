package ws

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunActive is returned when a thread already has a run in progress.
var ErrRunActive = errors.New("thread has an active run")

// RunState represents the lifecycle state of a stream run.
type RunState string

const (
	RunStreaming  RunState = "streaming"  // Accepting stream events.
	RunPersisting RunState = "persisting" // run.end received, appends in flight.
	RunPersisted  RunState = "persisted"  // All appends settled.
	RunFailed     RunState = "failed"     // Load or strict persist failed.
	RunAbandoned  RunState = "abandoned"  // Connection closed before run.end.
)

func (s RunState) finished() bool {
	return s == RunPersisted || s == RunFailed || s == RunAbandoned
}

// TrackedRun holds the lifecycle state for a single run.
type TrackedRun struct {
	RunID       string    `json:"run_id"`
	ThreadID    string    `json:"thread_id"`
	SessionID   string    `json:"session_id"`
	State       RunState  `json:"state"`
	Events      int       `json:"events"`
	Persisted   int       `json:"persisted"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"started_at"`
	LastEventAt time.Time `json:"last_event_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// RunTracker tracks the runs of all sessions and enforces at most one
// unfinished run per thread.
type RunTracker struct {
	mu       sync.RWMutex
	runs     map[string]*TrackedRun // runID -> run
	byThread map[string]string      // threadID -> runID of the unfinished run
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunTracker creates an empty tracker. A nil logger discards output.
func NewRunTracker(logger *slog.Logger) *RunTracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RunTracker{
		runs:     make(map[string]*TrackedRun),
		byThread: make(map[string]string),
		now:      time.Now,
		logger:   logger,
	}
}

// Start registers a new streaming run on threadID and returns its id.
func (t *RunTracker) Start(threadID, sessionID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byThread[threadID]; ok {
		return "", ErrRunActive
	}

	runID := uuid.New().String()
	t.runs[runID] = &TrackedRun{
		RunID:     runID,
		ThreadID:  threadID,
		SessionID: sessionID,
		State:     RunStreaming,
		StartedAt: t.now(),
	}
	t.byThread[threadID] = runID

	t.logger.Debug("run tracked",
		slog.String("run_id", runID),
		slog.String("thread_id", threadID),
		slog.String("session_id", sessionID),
	)
	return runID, nil
}

// MarkEvent counts one processed stream event.
func (t *RunTracker) MarkEvent(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok || run.State != RunStreaming {
		return
	}
	run.Events++
	run.LastEventAt = t.now()
}

// MarkPersisting transitions a streaming run to persisting. It reports false
// if the run is unknown or not streaming.
func (t *RunTracker) MarkPersisting(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok || run.State != RunStreaming {
		return false
	}
	run.State = RunPersisting
	return true
}

// RecordAppendFailure counts a failed append against the thread's unfinished run.
func (t *RunTracker) RecordAppendFailure(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if run, ok := t.runs[t.byThread[threadID]]; ok {
		run.Failed++
	}
}

// MarkPersisted finishes a run after its appends settled and returns a copy.
func (t *RunTracker) MarkPersisted(runID string, persisted int) (TrackedRun, bool) {
	return t.finish(runID, RunPersisted, func(run *TrackedRun) { run.Persisted = persisted })
}

// MarkFailed finishes a run with an error.
func (t *RunTracker) MarkFailed(runID string, errMsg string) (TrackedRun, bool) {
	return t.finish(runID, RunFailed, func(run *TrackedRun) { run.Error = errMsg })
}

// MarkAbandoned finishes a run whose session went away before run.end.
func (t *RunTracker) MarkAbandoned(runID string) (TrackedRun, bool) {
	return t.finish(runID, RunAbandoned, nil)
}

func (t *RunTracker) finish(runID string, state RunState, update func(*TrackedRun)) (TrackedRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok || run.State.finished() {
		return TrackedRun{}, false
	}
	if update != nil {
		update(run)
	}
	run.State = state
	run.FinishedAt = t.now()
	if t.byThread[run.ThreadID] == runID {
		delete(t.byThread, run.ThreadID)
	}

	t.logger.Debug("run finished",
		slog.String("run_id", runID),
		slog.String("thread_id", run.ThreadID),
		slog.String("state", string(state)),
		slog.String("duration", run.FinishedAt.Sub(run.StartedAt).String()),
	)
	return *run, true
}

// Get returns a copy of the run.
func (t *RunTracker) Get(runID string) (TrackedRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	run, ok := t.runs[runID]
	if !ok {
		return TrackedRun{}, false
	}
	return *run, true
}

// List returns copies of all tracked runs, most recently started first.
func (t *RunTracker) List() []TrackedRun {
	t.mu.RLock()
	out := make([]TrackedRun, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, *run)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of unfinished runs.
func (t *RunTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byThread)
}

// EvictIdle removes finished runs that finished more than maxIdle ago.
func (t *RunTracker) EvictIdle(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := t.now().Add(-maxIdle)
	evicted := 0
	for id, run := range t.runs {
		if run.State.finished() && run.FinishedAt.Before(deadline) {
			delete(t.runs, id)
			evicted++
		}
	}
	return evicted
}
