// Package progress tracks live backup and restore progress. Pipeline
// and transport stages emit updates onto a channel; query callers read
// consistent snapshots without touching the hot path.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase names the stage a job is currently in.
type Phase string

const (
	PhaseWalking      Phase = "walking"
	PhaseTransferring Phase = "transferring"
	PhaseVerifying    Phase = "verifying"
	PhaseRestoring    Phase = "restoring"
	PhaseDone         Phase = "done"
)

// State is a point-in-time snapshot of one job's progress.
type State struct {
	BackupID    uuid.UUID `json:"backup_id"`
	Phase       Phase     `json:"phase"`
	BytesDone   int64     `json:"bytes_done"`
	BytesTotal  int64     `json:"bytes_total"`
	CurrentFile string    `json:"current_file,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update is one progress message from a stage. Zero-valued fields other
// than Phase and CurrentFile are ignored, so stages only report what
// they know.
type Update struct {
	BackupID   uuid.UUID
	Phase      Phase
	BytesDelta int64
	BytesTotal int64
	File       string
}

// Tracker consumes updates and serves snapshots. Only the active
// pipeline/transport for a backup id writes to it; any number of query
// callers may read concurrently.
type Tracker struct {
	updates chan Update

	mu     sync.RWMutex
	states map[uuid.UUID]State

	subMu sync.Mutex
	subs  map[chan State]struct{}
}

// NewTracker creates a Tracker; call Run to start consuming updates.
func NewTracker() *Tracker {
	return &Tracker{
		updates: make(chan Update, 256),
		states:  make(map[uuid.UUID]State),
		subs:    make(map[chan State]struct{}),
	}
}

// Updates returns the channel stages publish to.
func (t *Tracker) Updates() chan<- Update { return t.updates }

// Publish is a convenience wrapper that never blocks the hot path: if
// the tracker is saturated the update is dropped, a later one
// supersedes it.
func (t *Tracker) Publish(u Update) {
	select {
	case t.updates <- u:
	default:
	}
}

// Run consumes updates until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-t.updates:
			t.apply(u)
		}
	}
}

func (t *Tracker) apply(u Update) {
	t.mu.Lock()
	s := t.states[u.BackupID]
	s.BackupID = u.BackupID
	if u.Phase != "" {
		s.Phase = u.Phase
	}
	s.BytesDone += u.BytesDelta
	if u.BytesTotal > 0 {
		s.BytesTotal = u.BytesTotal
	}
	if u.File != "" {
		s.CurrentFile = u.File
	}
	s.UpdatedAt = time.Now()
	t.states[u.BackupID] = s
	t.mu.Unlock()

	t.subMu.Lock()
	for ch := range t.subs {
		select {
		case ch <- s:
		default:
		}
	}
	t.subMu.Unlock()
}

// Snapshot returns the state for one backup id.
func (t *Tracker) Snapshot(id uuid.UUID) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	return s, ok
}

// SnapshotAll returns the states of every tracked job.
func (t *Tracker) SnapshotAll() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	return out
}

// Forget drops a finished job's state.
func (t *Tracker) Forget(id uuid.UUID) {
	t.mu.Lock()
	delete(t.states, id)
	t.mu.Unlock()
}

// Subscribe registers a listener for every applied update, used by the
// websocket progress stream. The returned cancel func must be called.
func (t *Tracker) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 64)
	t.subMu.Lock()
	t.subs[ch] = struct{}{}
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		delete(t.subs, ch)
		t.subMu.Unlock()
	}
	return ch, cancel
}
