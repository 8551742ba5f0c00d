package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/assist-dispatch/internal/models"
)

// OfferStore holds job offers and applies every state change as a
// conditional update keyed on the current state, so an accept racing the
// expiry sweep resolves to exactly one winner.
type OfferStore struct {
	mu        sync.Mutex
	offers    map[string]*models.JobOffer
	byRequest map[string][]string
}

func NewOfferStore() *OfferStore {
	return &OfferStore{
		offers:    make(map[string]*models.JobOffer),
		byRequest: make(map[string][]string),
	}
}

// Create opens an offer in state offered with the given response window.
func (s *OfferStore) Create(requestID, workerID string, distanceKm float64, respondWithin time.Duration) models.JobOffer {
	now := time.Now()
	off := models.JobOffer{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		WorkerID:   workerID,
		State:      models.OfferOffered,
		DistanceKm: distanceKm,
		OfferedAt:  now,
		RespondBy:  now.Add(respondWithin),
	}
	s.mu.Lock()
	s.offers[off.ID] = &off
	s.byRequest[requestID] = append(s.byRequest[requestID], off.ID)
	s.mu.Unlock()
	return off
}

func (s *OfferStore) Get(id string) (models.JobOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offers[id]
	if !ok {
		return models.JobOffer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return *off, nil
}

// Accept is the worker's accept as a CAS offered -> accepted.
func (s *OfferStore) Accept(offerID, workerID string) (models.JobOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offers[offerID]
	if !ok {
		return models.JobOffer{}, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if off.WorkerID != workerID {
		return *off, fmt.Errorf("offer %s is not for worker %s: %w", offerID, workerID, ErrWorkerMismatch)
	}
	if off.State != models.OfferOffered {
		return *off, fmt.Errorf("offer %s in state %s: %w", offerID, off.State, ErrAlreadyTerminal)
	}
	now := time.Now()
	off.State = models.OfferAccepted
	off.RespondedAt = &now
	return *off, nil
}

// Decline always lands while the offer is still offered.
func (s *OfferStore) Decline(offerID, workerID, reason string) (models.JobOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offers[offerID]
	if !ok {
		return models.JobOffer{}, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if off.WorkerID != workerID {
		return *off, fmt.Errorf("offer %s is not for worker %s: %w", offerID, workerID, ErrWorkerMismatch)
	}
	if off.State != models.OfferOffered {
		return *off, fmt.Errorf("offer %s in state %s: %w", offerID, off.State, ErrAlreadyTerminal)
	}
	now := time.Now()
	off.State = models.OfferDeclined
	off.RespondedAt = &now
	off.DeclineReason = reason
	return *off, nil
}

// Expire moves offered -> expired. It reports false when the offer
// already left offered, which is how an accept that landed first wins
// against the sweep.
func (s *OfferStore) Expire(offerID string) (models.JobOffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offers[offerID]
	if !ok || off.State != models.OfferOffered {
		if ok {
			return *off, false
		}
		return models.JobOffer{}, false
	}
	now := time.Now()
	off.State = models.OfferExpired
	off.RespondedAt = &now
	return *off, true
}

// RevertAccept undoes an accept that lost against a concurrent
// cancellation or assignment: accepted -> superseded.
func (s *OfferStore) RevertAccept(offerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off, ok := s.offers[offerID]; ok && off.State == models.OfferAccepted {
		off.State = models.OfferSuperseded
	}
}

// SupersedeOpen terminates every still-offered offer of a request except
// keepID (pass "" to supersede all). Returns the offers it closed.
func (s *OfferStore) SupersedeOpen(requestID, keepID string) []models.JobOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []models.JobOffer
	now := time.Now()
	for _, id := range s.byRequest[requestID] {
		off := s.offers[id]
		if off.ID == keepID || off.State != models.OfferOffered {
			continue
		}
		off.State = models.OfferSuperseded
		off.RespondedAt = &now
		closed = append(closed, *off)
	}
	return closed
}

// SweepExpired expires every offered offer past its deadline. Safe to
// race with accepts: both paths go through the same conditional check.
func (s *OfferStore) SweepExpired(now time.Time) []models.JobOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []models.JobOffer
	for _, off := range s.offers {
		if off.State == models.OfferOffered && now.After(off.RespondBy) {
			off.State = models.OfferExpired
			ts := now
			off.RespondedAt = &ts
			expired = append(expired, *off)
		}
	}
	return expired
}

// ByRequest returns all offers ever made for a request.
func (s *OfferStore) ByRequest(requestID string) []models.JobOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobOffer, 0, len(s.byRequest[requestID]))
	for _, id := range s.byRequest[requestID] {
		out = append(out, *s.offers[id])
	}
	return out
}

// ActiveForWorker reports a worker's current offered or accepted offer.
func (s *OfferStore) ActiveForWorker(workerID string) (models.JobOffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, off := range s.offers {
		if off.WorkerID == workerID && (off.State == models.OfferOffered || off.State == models.OfferAccepted) {
			return *off, true
		}
	}
	return models.JobOffer{}, false
}
