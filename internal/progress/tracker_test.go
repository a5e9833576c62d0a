package progress

import (
	"errors"
	"sync"
	"testing"

	"harvestd/pkg/logx"
)

type recordingObserver struct {
	mu    sync.Mutex
	snaps []Snapshot
	fail  bool
}

func (o *recordingObserver) Send(s Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("connection gone")
	}
	o.snaps = append(o.snaps, s)
	return nil
}

func (o *recordingObserver) received() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Snapshot(nil), o.snaps...)
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	tr := NewTracker(logx.Nop())
	tr.Update(1, "running", 10, 2.5, "warming up")

	obs := &recordingObserver{}
	tr.Subscribe(1, obs)

	got := obs.received()
	if len(got) != 1 {
		t.Fatalf("expected immediate snapshot, got %d", len(got))
	}
	if got[0].ItemsScraped != 10 || got[0].Status != "running" {
		t.Fatalf("unexpected snapshot: %+v", got[0])
	}
}

func TestSubscribeWithoutSnapshotDeliversNothing(t *testing.T) {
	tr := NewTracker(logx.Nop())
	obs := &recordingObserver{}
	tr.Subscribe(1, obs)
	if len(obs.received()) != 0 {
		t.Fatalf("expected no snapshot before first update")
	}
}

func TestUpdateFansOutInOrder(t *testing.T) {
	tr := NewTracker(logx.Nop())
	a := &recordingObserver{}
	b := &recordingObserver{}
	tr.Subscribe(7, a)
	tr.Subscribe(7, b)

	for i := 1; i <= 5; i++ {
		tr.Update(7, "running", i, float64(i), "step")
	}

	for name, obs := range map[string]*recordingObserver{"a": a, "b": b} {
		got := obs.received()
		if len(got) != 5 {
			t.Fatalf("observer %s received %d snapshots, want 5", name, len(got))
		}
		for i, s := range got {
			if s.ItemsScraped != i+1 {
				t.Fatalf("observer %s got snapshots out of order: %+v", name, got)
			}
		}
	}
}

func TestFailingObserverIsEvicted(t *testing.T) {
	tr := NewTracker(logx.Nop())
	healthy := &recordingObserver{}
	broken := &recordingObserver{fail: true}
	tr.Subscribe(3, healthy)
	tr.Subscribe(3, broken)

	tr.Update(3, "running", 1, 1, "")
	if got := tr.ObserverCount(3); got != 1 {
		t.Fatalf("ObserverCount = %d, want 1 after eviction", got)
	}

	tr.Update(3, "running", 2, 2, "")
	if got := healthy.received(); len(got) != 2 {
		t.Fatalf("healthy observer received %d snapshots, want 2", len(got))
	}
}

func TestEvictedSubscriberOnReplay(t *testing.T) {
	tr := NewTracker(logx.Nop())
	tr.Update(9, "running", 1, 1, "")

	broken := &recordingObserver{fail: true}
	tr.Subscribe(9, broken)
	if got := tr.ObserverCount(9); got != 0 {
		t.Fatalf("ObserverCount = %d, want 0 (replay failed)", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	tr := NewTracker(logx.Nop())
	obs := &recordingObserver{}
	id := tr.Subscribe(2, obs)
	tr.Unsubscribe(2, id)

	tr.Update(2, "running", 1, 1, "")
	if len(obs.received()) != 0 {
		t.Fatalf("unsubscribed observer still received snapshots")
	}
}

func TestCompleteClearsState(t *testing.T) {
	tr := NewTracker(logx.Nop())
	obs := &recordingObserver{}
	tr.Subscribe(4, obs)
	tr.Update(4, "success", 3, 10, "done")
	tr.Complete(4)

	if _, ok := tr.Latest(4); ok {
		t.Fatalf("Latest returned a snapshot after Complete")
	}
	if got := tr.ObserverCount(4); got != 0 {
		t.Fatalf("ObserverCount = %d after Complete", got)
	}

	// late subscriber sees nothing
	late := &recordingObserver{}
	tr.Subscribe(4, late)
	if len(late.received()) != 0 {
		t.Fatalf("late subscriber received stale snapshot")
	}
}
