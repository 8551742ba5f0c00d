package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/assist-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("state conflict")
	ErrWorkerMismatch    = errors.New("worker mismatch")
	ErrAlreadyTerminal   = errors.New("offer already terminal")
)

// AllowedTransitions encodes the request state flow. Tracking states can
// be skipped forward (a report can land inside the arrival threshold
// while the request is still assigned) but never walked backwards.
var AllowedTransitions = map[models.RequestState][]models.RequestState{
	models.RequestPending:    {models.RequestAssigned, models.RequestCancelled},
	models.RequestAssigned:   {models.RequestEnRoute, models.RequestArriving, models.RequestArrived, models.RequestInProgress, models.RequestCancelled},
	models.RequestEnRoute:    {models.RequestArriving, models.RequestArrived, models.RequestInProgress, models.RequestCancelled},
	models.RequestArriving:   {models.RequestArrived, models.RequestInProgress, models.RequestCancelled},
	models.RequestArrived:    {models.RequestInProgress, models.RequestCancelled},
	models.RequestInProgress: {models.RequestCompleted, models.RequestCancelled},
}

func CanTransition(from, to models.RequestState) bool {
	for _, next := range AllowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var stateRank = map[models.RequestState]int{
	models.RequestPending:    0,
	models.RequestAssigned:   1,
	models.RequestEnRoute:    2,
	models.RequestArriving:   3,
	models.RequestArrived:    4,
	models.RequestInProgress: 5,
	models.RequestCompleted:  6,
}

type requestEntry struct {
	mu  sync.Mutex
	req models.Request
}

// Tracker owns every request's lifecycle. All mutations of one request
// are serialized through its entry mutex, so transitions for a single
// request are totally ordered while different requests proceed
// concurrently. A worker's single active-request slot is claimed in
// workerActive under its own mutex, so assignments of the same worker
// across different requests are serialized too.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*requestEntry

	activeMu     sync.Mutex
	workerActive map[string]string // worker id -> non-terminal request id
}

func NewTracker() *Tracker {
	return &Tracker{
		entries:      make(map[string]*requestEntry),
		workerActive: make(map[string]string),
	}
}

func (t *Tracker) Create(requesterID string, category models.Capability, destination models.Coord, priority models.Priority) models.Request {
	if priority == "" {
		priority = models.PriorityNormal
	}
	req := models.Request{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Category:    category,
		Destination: destination,
		Priority:    priority,
		State:       models.RequestPending,
		CreatedAt:   time.Now(),
	}
	t.mu.Lock()
	t.entries[req.ID] = &requestEntry{req: req}
	t.mu.Unlock()
	return req
}

func (t *Tracker) entry(id string) (*requestEntry, error) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (t *Tracker) Get(id string) (models.Request, error) {
	e, err := t.entry(id)
	if err != nil {
		return models.Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req, nil
}

// Assign moves pending -> assigned and records the worker. It is the
// atomic gate of the accept protocol: of two racing accepts only the
// first can observe pending, and claiming the worker slot inside the
// same critical section rejects a worker already on another
// non-terminal request. The slot is released by Cancel and
// CompleteService.
func (t *Tracker) Assign(id, workerID string) (models.Request, error) {
	e, err := t.entry(id)
	if err != nil {
		return models.Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.State != models.RequestPending {
		return e.req, fmt.Errorf("request %s in state %s: %w", id, e.req.State, ErrConflict)
	}
	t.activeMu.Lock()
	if cur, busy := t.workerActive[workerID]; busy && cur != id {
		t.activeMu.Unlock()
		return e.req, fmt.Errorf("worker %s already on request %s: %w", workerID, cur, ErrConflict)
	}
	t.workerActive[workerID] = id
	t.activeMu.Unlock()
	now := time.Now()
	e.req.State = models.RequestAssigned
	e.req.WorkerID = workerID
	e.req.AssignedAt = &now
	return e.req, nil
}

// releaseWorker frees the worker's slot if this request still holds it.
func (t *Tracker) releaseWorker(workerID, requestID string) {
	if workerID == "" {
		return
	}
	t.activeMu.Lock()
	if t.workerActive[workerID] == requestID {
		delete(t.workerActive, workerID)
	}
	t.activeMu.Unlock()
}

// AdvanceTracking applies a derived tracking transition (en_route,
// arriving, arrived). Stale targets at or below the current state are
// idempotent no-ops; moved reports true when the state changed.
func (t *Tracker) AdvanceTracking(id string, to models.RequestState) (req models.Request, moved bool, err error) {
	e, err := t.entry(id)
	if err != nil {
		return models.Request{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.State.Terminal() {
		return e.req, false, nil
	}
	if stateRank[to] <= stateRank[e.req.State] {
		return e.req, false, nil
	}
	if !CanTransition(e.req.State, to) {
		return e.req, false, nil
	}
	e.req.State = to
	if to == models.RequestArrived {
		now := time.Now()
		e.req.ArrivedAt = &now
	}
	return e.req, true, nil
}

// MarkArrived is the explicit arrival action. Calling it again once
// arrived (or later) is a no-op, not an error.
func (t *Tracker) MarkArrived(id string) (models.Request, error) {
	e, err := t.entry(id)
	if err != nil {
		return models.Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.State.Terminal() {
		return e.req, fmt.Errorf("request %s in state %s: %w", id, e.req.State, ErrInvalidTransition)
	}
	if stateRank[e.req.State] >= stateRank[models.RequestArrived] {
		return e.req, nil
	}
	if !CanTransition(e.req.State, models.RequestArrived) {
		return e.req, fmt.Errorf("request %s in state %s: %w", id, e.req.State, ErrInvalidTransition)
	}
	now := time.Now()
	e.req.State = models.RequestArrived
	e.req.ArrivedAt = &now
	return e.req, nil
}

// StartService moves the request to in_progress. Only an explicit worker
// action gets here; threshold crossings never do.
func (t *Tracker) StartService(id string) (models.Request, error) {
	e, err := t.entry(id)
	if err != nil {
		return models.Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.State == models.RequestInProgress {
		return e.req, nil
	}
	if !CanTransition(e.req.State, models.RequestInProgress) {
		return e.req, fmt.Errorf("request %s in state %s: %w", id, e.req.State, ErrInvalidTransition)
	}
	now := time.Now()
	e.req.State = models.RequestInProgress
	e.req.StartedAt = &now
	return e.req, nil
}

func (t *Tracker) CompleteService(id string) (models.Request, error) {
	e, err := t.entry(id)
	if err != nil {
		return models.Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.State == models.RequestCompleted {
		return e.req, nil
	}
	if !CanTransition(e.req.State, models.RequestCompleted) {
		return e.req, fmt.Errorf("request %s in state %s: %w", id, e.req.State, ErrInvalidTransition)
	}
	now := time.Now()
	e.req.State = models.RequestCompleted
	e.req.CompletedAt = &now
	t.releaseWorker(e.req.WorkerID, id)
	return e.req, nil
}

// Cancel moves any non-terminal request to cancelled. Cancelling an
// already-cancelled request is a no-op; a completed one is rejected.
func (t *Tracker) Cancel(id, reason string) (models.Request, error) {
	e, err := t.entry(id)
	if err != nil {
		return models.Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.State == models.RequestCancelled {
		return e.req, nil
	}
	if e.req.State == models.RequestCompleted {
		return e.req, fmt.Errorf("request %s completed: %w", id, ErrInvalidTransition)
	}
	now := time.Now()
	e.req.State = models.RequestCancelled
	e.req.CancelledAt = &now
	e.req.CancelReason = reason
	t.releaseWorker(e.req.WorkerID, id)
	return e.req, nil
}

// ActiveForWorker reports the non-terminal request currently assigned to
// a worker, if any.
func (t *Tracker) ActiveForWorker(workerID string) (models.Request, bool) {
	t.activeMu.Lock()
	id, ok := t.workerActive[workerID]
	t.activeMu.Unlock()
	if !ok {
		return models.Request{}, false
	}
	req, err := t.Get(id)
	if err != nil {
		return models.Request{}, false
	}
	return req, true
}
