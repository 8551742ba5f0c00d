package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/example/assist-dispatch/internal/models"
)

// Store defines persistence for workers, requests, offers and the
// append-only location history.
type Store interface {
	SaveWorker(w *models.Worker) error
	GetWorker(id string) (*models.Worker, error)
	MutateWorker(id string, fn func(*models.Worker)) error

	SaveRequest(r *models.Request) error
	UpdateRequest(r *models.Request) error

	SaveOffer(o *models.JobOffer) error
	UpdateOffer(o *models.JobOffer) error

	AppendSample(s *models.LocationSample) error
	SamplesByRequest(requestID string, limit int) ([]models.LocationSample, error)
	SamplesByWorker(workerID string, limit int) ([]models.LocationSample, error)
	LastSample(workerID string) (*models.LocationSample, error)
}

var ErrNotFound = fmt.Errorf("storage: not found")

type MemoryStore struct {
	mu       sync.RWMutex
	workers  map[string]*models.Worker
	requests map[string]*models.Request
	offers   map[string]*models.JobOffer
	samples  []models.LocationSample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:  make(map[string]*models.Worker),
		requests: make(map[string]*models.Request),
		offers:   make(map[string]*models.JobOffer),
	}
}

func (m *MemoryStore) SaveWorker(w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorker(id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) MutateWorker(id string, fn func(*models.Worker)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	fn(w)
	return nil
}

func (m *MemoryStore) SaveRequest(r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRequest(r *models.Request) error {
	return m.SaveRequest(r)
}

func (m *MemoryStore) SaveOffer(o *models.JobOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateOffer(o *models.JobOffer) error {
	return m.SaveOffer(o)
}

func (m *MemoryStore) AppendSample(s *models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, *s)
	return nil
}

func (m *MemoryStore) SamplesByRequest(requestID string, limit int) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSamples(m.samples, limit, func(s models.LocationSample) bool {
		return s.RequestID == requestID
	}), nil
}

func (m *MemoryStore) SamplesByWorker(workerID string, limit int) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSamples(m.samples, limit, func(s models.LocationSample) bool {
		return s.WorkerID == workerID
	}), nil
}

func (m *MemoryStore) LastSample(workerID string) (*models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *models.LocationSample
	for i := range m.samples {
		s := m.samples[i]
		if s.WorkerID != workerID {
			continue
		}
		if last == nil || s.RecordedAt.After(last.RecordedAt) {
			cp := s
			last = &cp
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return last, nil
}

func filterSamples(all []models.LocationSample, limit int, keep func(models.LocationSample) bool) []models.LocationSample {
	var out []models.LocationSample
	for _, s := range all {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
