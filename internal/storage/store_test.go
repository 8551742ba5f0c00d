package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/example/assist-dispatch/internal/models"
)

func TestWorkerRoundTripAndMutate(t *testing.T) {
	m := NewMemoryStore()
	w := &models.Worker{ID: "w1", Rating: 4.5, Capabilities: []models.Capability{models.CapabilityTowing}}
	if err := m.SaveWorker(w); err != nil {
		t.Fatal(err)
	}
	if err := m.MutateWorker("w1", func(w *models.Worker) { w.JobsAccepted++ }); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetWorker("w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.JobsAccepted != 1 || got.Rating != 4.5 {
		t.Fatalf("bad worker: %+v", got)
	}
	if _, err := m.GetWorker("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetWorkerReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	_ = m.SaveWorker(&models.Worker{ID: "w1"})
	got, _ := m.GetWorker("w1")
	got.JobsAccepted = 99
	again, _ := m.GetWorker("w1")
	if again.JobsAccepted != 0 {
		t.Fatal("store leaked internal pointer")
	}
}

func TestSampleHistoryQueries(t *testing.T) {
	m := NewMemoryStore()
	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = m.AppendSample(&models.LocationSample{
			WorkerID:   "w1",
			RequestID:  "r1",
			Loc:        models.Coord{Lat: float64(i)},
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	_ = m.AppendSample(&models.LocationSample{WorkerID: "w2", RecordedAt: base})

	byReq, err := m.SamplesByRequest("r1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(byReq) != 3 || byReq[0].Loc.Lat != 2 || byReq[2].Loc.Lat != 4 {
		t.Fatalf("expected newest 3 oldest-first, got %+v", byReq)
	}

	byWorker, err := m.SamplesByWorker("w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byWorker) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(byWorker))
	}

	last, err := m.LastSample("w1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Loc.Lat != 4 {
		t.Fatalf("wrong last sample: %+v", last)
	}
	if _, err := m.LastSample("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
