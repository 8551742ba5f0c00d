package lifecycle

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/assist-dispatch/internal/models"
)

func newAssigned(t *testing.T) (*Tracker, models.Request) {
	t.Helper()
	tr := NewTracker()
	req := tr.Create("u1", models.CapabilityRoadside, models.Coord{Lat: 14.63, Lon: -90.5}, models.PriorityNormal)
	if _, err := tr.Assign(req.ID, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	return tr, req
}

func TestCreateStartsPending(t *testing.T) {
	tr := NewTracker()
	req := tr.Create("u1", models.CapabilityMedical, models.Coord{}, "")
	if req.State != models.RequestPending {
		t.Fatalf("expected pending, got %s", req.State)
	}
	if req.Priority != models.PriorityNormal {
		t.Fatalf("expected default priority, got %s", req.Priority)
	}
}

func TestAssignSetsWorkerAndTimestamp(t *testing.T) {
	tr, req := newAssigned(t)
	got, err := tr.Get(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.RequestAssigned || got.WorkerID != "w1" || got.AssignedAt == nil {
		t.Fatalf("bad assigned request: %+v", got)
	}
}

func TestAssignTwiceConflicts(t *testing.T) {
	tr, req := newAssigned(t)
	if _, err := tr.Assign(req.ID, "w2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := tr.Get(req.ID)
	if got.WorkerID != "w1" {
		t.Fatalf("worker overwritten: %s", got.WorkerID)
	}
}

func TestAdvanceTrackingNeverRegresses(t *testing.T) {
	tr, req := newAssigned(t)
	if _, moved, _ := tr.AdvanceTracking(req.ID, models.RequestArrived); !moved {
		t.Fatal("expected move to arrived")
	}
	// a late report wanting arriving must not roll the state back
	got, moved, err := tr.AdvanceTracking(req.ID, models.RequestArriving)
	if err != nil || moved {
		t.Fatalf("expected no-op, got moved=%v err=%v", moved, err)
	}
	if got.State != models.RequestArrived {
		t.Fatalf("state regressed to %s", got.State)
	}
}

func TestAdvanceTrackingSkipsIntermediateStates(t *testing.T) {
	tr, req := newAssigned(t)
	// a report already inside the arrival threshold jumps assigned -> arrived
	got, moved, err := tr.AdvanceTracking(req.ID, models.RequestArrived)
	if err != nil || !moved || got.State != models.RequestArrived {
		t.Fatalf("expected arrived, got %+v moved=%v err=%v", got, moved, err)
	}
	if got.ArrivedAt == nil {
		t.Fatal("arrived timestamp missing")
	}
}

func TestMarkArrivedIdempotent(t *testing.T) {
	tr, req := newAssigned(t)
	first, err := tr.MarkArrived(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tr.MarkArrived(req.ID)
	if err != nil {
		t.Fatalf("second call errored: %v", err)
	}
	if second.State != first.State || !second.ArrivedAt.Equal(*first.ArrivedAt) {
		t.Fatalf("second call changed state: %+v vs %+v", first, second)
	}
}

func TestStartAndCompleteAreExplicit(t *testing.T) {
	tr, req := newAssigned(t)
	if _, _, err := tr.AdvanceTracking(req.ID, models.RequestInProgress); err != nil {
		t.Fatal(err)
	}
	got, _ := tr.Get(req.ID)
	if got.State == models.RequestInProgress {
		t.Fatal("tracking report must not start service")
	}
	if _, err := tr.StartService(req.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.CompleteService(req.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = tr.Get(req.ID)
	if got.State != models.RequestCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed, got %+v", got)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	tr, req := newAssigned(t)
	if _, err := tr.CompleteService(req.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	tr, req := newAssigned(t)
	got, err := tr.Cancel(req.ID, "requester changed mind")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.RequestCancelled || got.CancelReason == "" {
		t.Fatalf("bad cancel: %+v", got)
	}
	// cancelling again is a no-op
	if _, err := tr.Cancel(req.ID, "again"); err != nil {
		t.Fatalf("repeat cancel errored: %v", err)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	tr, req := newAssigned(t)
	_, _ = tr.StartService(req.ID)
	_, _ = tr.CompleteService(req.ID)
	if _, err := tr.Cancel(req.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestTerminalStatesIgnoreTracking(t *testing.T) {
	tr, req := newAssigned(t)
	_, _ = tr.Cancel(req.ID, "done")
	got, moved, err := tr.AdvanceTracking(req.ID, models.RequestArrived)
	if err != nil || moved || got.State != models.RequestCancelled {
		t.Fatalf("terminal state mutated: %+v moved=%v err=%v", got, moved, err)
	}
}

func TestActiveForWorker(t *testing.T) {
	tr, req := newAssigned(t)
	if got, ok := tr.ActiveForWorker("w1"); !ok || got.ID != req.ID {
		t.Fatalf("expected active request for w1, got %v %+v", ok, got)
	}
	_, _ = tr.StartService(req.ID)
	_, _ = tr.CompleteService(req.ID)
	if _, ok := tr.ActiveForWorker("w1"); ok {
		t.Fatal("completed request still reported active")
	}
}

func TestAssignRejectsBusyWorker(t *testing.T) {
	tr, first := newAssigned(t)
	second := tr.Create("u2", models.CapabilityRoadside, models.Coord{}, models.PriorityNormal)
	if _, err := tr.Assign(second.ID, "w1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for busy worker, got %v", err)
	}
	got, _ := tr.Get(second.ID)
	if got.State != models.RequestPending {
		t.Fatalf("rejected assign mutated request: %+v", got)
	}
	// the slot frees once the first request terminates
	if _, err := tr.Cancel(first.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Assign(second.ID, "w1"); err != nil {
		t.Fatalf("assign after release: %v", err)
	}
}

func TestCompleteReleasesWorkerSlot(t *testing.T) {
	tr, first := newAssigned(t)
	_, _ = tr.StartService(first.ID)
	if _, err := tr.CompleteService(first.ID); err != nil {
		t.Fatal(err)
	}
	next := tr.Create("u2", models.CapabilityRoadside, models.Coord{}, models.PriorityNormal)
	if _, err := tr.Assign(next.ID, "w1"); err != nil {
		t.Fatalf("assign after completion: %v", err)
	}
}

// many pending requests race to assign the same worker: exactly one may
// hold the worker at a time, no matter the interleaving.
func TestConcurrentAssignsSingleWorkerSlot(t *testing.T) {
	tr := NewTracker()
	const n = 60
	ids := make([]string, n)
	for i := range ids {
		ids[i] = tr.Create("u1", models.CapabilityRoadside, models.Coord{}, models.PriorityNormal).ID
	}

	var wins int32
	var wg sync.WaitGroup
	wg.Add(n)
	for _, id := range ids {
		go func(id string) {
			defer wg.Done()
			if _, err := tr.Assign(id, "w1"); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one assignment, got %d", wins)
	}
	var active int
	for _, id := range ids {
		if req, _ := tr.Get(id); req.WorkerID == "w1" && !req.State.Terminal() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("worker holds %d non-terminal requests", active)
	}
}

func TestGetUnknownRequest(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
