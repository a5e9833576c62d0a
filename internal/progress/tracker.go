// Package progress fans execution status out to live observers.
//
// One Tracker instance serves the whole process. All mutation goes through a
// single mutex; updates for different executions serialize on it, which is
// acceptable at the update rates scrapers produce.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"harvestd/pkg/logx"
)

// Snapshot is one progress message, shaped exactly as it is streamed to
// external observers.
type Snapshot struct {
	ExecutionID    int64   `json:"execution_id"`
	Status         string  `json:"status"`
	ItemsScraped   int     `json:"items_scraped"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Message        string  `json:"message"`
	Timestamp      string  `json:"timestamp"`
}

// Observer receives snapshots for one execution. Send must not block
// indefinitely; a returned error evicts the observer.
type Observer interface {
	Send(Snapshot) error
}

// Tracker maps execution ids to observer sets and their latest snapshot.
// Nothing here is persisted; state lives only while an execution runs.
type Tracker struct {
	mu     sync.Mutex
	subs   map[int64]map[uuid.UUID]Observer
	latest map[int64]Snapshot

	log logx.Logger
}

func NewTracker(log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		subs:   map[int64]map[uuid.UUID]Observer{},
		latest: map[int64]Snapshot{},
		log:    log,
	}
}

// Subscribe registers an observer and returns its subscription handle.
// If a snapshot already exists for the execution it is delivered to the new
// observer immediately, inside the same critical section.
func (t *Tracker) Subscribe(executionID int64, obs Observer) uuid.UUID {
	id := uuid.New()
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.subs[executionID]
	if set == nil {
		set = map[uuid.UUID]Observer{}
		t.subs[executionID] = set
	}
	set[id] = obs

	if snap, ok := t.latest[executionID]; ok {
		if err := obs.Send(snap); err != nil {
			t.log.Warn("initial snapshot delivery failed",
				logx.Int64("execution_id", executionID), logx.Err(err))
			delete(set, id)
			if len(set) == 0 {
				delete(t.subs, executionID)
			}
		}
	}
	return id
}

// Unsubscribe removes one observer. Empty sets are dropped so completed
// executions leave nothing behind.
func (t *Tracker) Unsubscribe(executionID int64, id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[executionID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.subs, executionID)
	}
}

// Update stores the snapshot as latest and delivers it to every current
// observer in registration-independent order. A failing observer is logged
// and evicted; it never blocks delivery to the others and never raises out
// of Update.
func (t *Tracker) Update(executionID int64, status string, items int, elapsed float64, message string) {
	snap := Snapshot{
		ExecutionID:    executionID,
		Status:         status,
		ItemsScraped:   items,
		ElapsedSeconds: elapsed,
		Message:        message,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest[executionID] = snap

	set := t.subs[executionID]
	for id, obs := range set {
		if err := obs.Send(snap); err != nil {
			t.log.Warn("progress delivery failed; evicting observer",
				logx.Int64("execution_id", executionID), logx.Err(err))
			delete(set, id)
		}
	}
	if len(set) == 0 {
		delete(t.subs, executionID)
	}
}

// Latest returns the most recent snapshot for an execution, if any.
func (t *Tracker) Latest(executionID int64) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.latest[executionID]
	return snap, ok
}

// Complete drops the snapshot and the observer set for an execution.
// Observers detect the end of stream through the terminal status emitted
// just before this call, not through a forced disconnect.
func (t *Tracker) Complete(executionID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.latest, executionID)
	delete(t.subs, executionID)
}

// ObserverCount reports how many observers are attached to an execution.
func (t *Tracker) ObserverCount(executionID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[executionID])
}
