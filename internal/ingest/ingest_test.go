package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/example/assist-dispatch/internal/broadcast"
	"github.com/example/assist-dispatch/internal/eta"
	"github.com/example/assist-dispatch/internal/geo"
	"github.com/example/assist-dispatch/internal/lifecycle"
	"github.com/example/assist-dispatch/internal/models"
	"github.com/example/assist-dispatch/internal/storage"
)

var dest = models.Coord{Lat: 14.6349, Lon: -90.5069}

type harness struct {
	svc      *Service
	requests *lifecycle.Tracker
	geo      *geo.Index
	store    *storage.MemoryStore
	events   *broadcast.Broadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	g := geo.NewIndex()
	g.UpsertWorker(models.Worker{
		ID:           "w1",
		Capabilities: []models.Capability{models.CapabilityRoadside},
		Vehicle:      models.VehicleMotorcycle,
		Online:       true,
		Available:    true,
	})
	h := &harness{
		requests: lifecycle.NewTracker(),
		geo:      g,
		store:    storage.NewMemoryStore(),
		events:   broadcast.New(8),
	}
	h.svc = &Service{
		Geo:      g,
		Store:    h.store,
		Requests: h.requests,
		Events:   h.events,
	}
	return h
}

func (h *harness) assignedRequest(t *testing.T) models.Request {
	t.Helper()
	req := h.requests.Create("u1", models.CapabilityRoadside, dest, models.PriorityNormal)
	if _, err := h.requests.Assign(req.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	return req
}

// offset a coordinate north by roughly the given meters
func north(c models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: c.Lat + meters/111200.0, Lon: c.Lon}
}

func TestReportUpdatesProjectionAndHistory(t *testing.T) {
	h := newHarness(t)
	loc := north(dest, 3000)
	if _, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: loc}); err != nil {
		t.Fatal(err)
	}
	w, ok := h.geo.Worker("w1")
	if !ok || w.Loc == nil || w.Loc.Lat != loc.Lat {
		t.Fatalf("projection not updated: %+v", w)
	}
	samples, _ := h.store.SamplesByWorker("w1", 0)
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
}

func TestReportFarOutMarksEnRoute(t *testing.T) {
	h := newHarness(t)
	req := h.assignedRequest(t)
	res, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 3000), RequestID: req.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.DerivedState != models.RequestEnRoute {
		t.Fatalf("expected en_route, got %q", res.DerivedState)
	}
	if res.ETA.Source != eta.SourceFallback || res.ETA.ETAMinutes < 1 {
		t.Fatalf("missing eta: %+v", res.ETA)
	}
}

func TestReportWithinArrivingThreshold(t *testing.T) {
	h := newHarness(t)
	req := h.assignedRequest(t)
	res, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 300), RequestID: req.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.DerivedState != models.RequestArriving {
		t.Fatalf("expected arriving, got %q", res.DerivedState)
	}
}

// a report inside 50 m while assigned advances straight to arrived
// without any explicit action
func TestReportWithinArrivedThreshold(t *testing.T) {
	h := newHarness(t)
	req := h.assignedRequest(t)
	res, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 20), RequestID: req.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.DerivedState != models.RequestArrived {
		t.Fatalf("expected arrived, got %q", res.DerivedState)
	}
	got, _ := h.requests.Get(req.ID)
	if got.State != models.RequestArrived || got.ArrivedAt == nil {
		t.Fatalf("request not auto-arrived: %+v", got)
	}
}

func TestReportNeverStartsService(t *testing.T) {
	h := newHarness(t)
	req := h.assignedRequest(t)
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 10), RequestID: req.ID}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := h.requests.Get(req.ID)
	if got.State != models.RequestArrived {
		t.Fatalf("reports advanced past arrived: %s", got.State)
	}
}

func TestStaleReportDoesNotRegress(t *testing.T) {
	h := newHarness(t)
	req := h.assignedRequest(t)
	now := time.Now()

	if _, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 20), RequestID: req.ID, RecordedAt: now}); err != nil {
		t.Fatal(err)
	}
	// an older report from farther away arrives late
	res, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 5000), RequestID: req.ID, RecordedAt: now.Add(-30 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stale {
		t.Fatal("late report not flagged stale")
	}
	got, _ := h.requests.Get(req.ID)
	if got.State != models.RequestArrived {
		t.Fatalf("stale report regressed state to %s", got.State)
	}
	// stale samples still land in the history
	samples, _ := h.store.SamplesByWorker("w1", 0)
	if len(samples) != 2 {
		t.Fatalf("expected both samples kept, got %d", len(samples))
	}
	// projection keeps the newer position
	w, _ := h.geo.Worker("w1")
	if w.Loc.Lat != north(dest, 20).Lat {
		t.Fatalf("projection regressed: %+v", w.Loc)
	}
}

func TestHeadingDerivedFromLastTwoSamples(t *testing.T) {
	h := newHarness(t)
	start := north(dest, 1000)
	_, _ = h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: start, RecordedAt: time.Now().Add(-5 * time.Second)})
	_, _ = h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 2000)})

	samples, _ := h.store.SamplesByWorker("w1", 0)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	// second sample moved due north
	if hd := samples[1].HeadingDeg; hd > 1 && hd < 359 {
		t.Fatalf("expected ~0 deg heading, got %f", hd)
	}
}

func TestExplicitHeadingWins(t *testing.T) {
	h := newHarness(t)
	hd := 123.0
	_, _ = h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 1000), HeadingDeg: &hd})
	samples, _ := h.store.SamplesByWorker("w1", 0)
	if samples[0].HeadingDeg != 123.0 {
		t.Fatalf("explicit heading overridden: %f", samples[0].HeadingDeg)
	}
}

func TestReportPublishesToRequestTopic(t *testing.T) {
	h := newHarness(t)
	req := h.assignedRequest(t)
	sub := h.events.Subscribe(broadcast.RequestTopic(req.ID))
	defer sub.Close()

	if _, err := h.svc.Report(context.Background(), Report{WorkerID: "w1", Loc: north(dest, 300), RequestID: req.ID}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Events():
		if ev.Type != "location" || ev.ETAMinutes < 1 || ev.State != models.RequestArriving {
			t.Fatalf("bad event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
