package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/assist-dispatch/internal/broadcast"
	"github.com/example/assist-dispatch/internal/eta"
	"github.com/example/assist-dispatch/internal/geo"
	"github.com/example/assist-dispatch/internal/lifecycle"
	"github.com/example/assist-dispatch/internal/models"
	"github.com/example/assist-dispatch/internal/observability"
	"github.com/example/assist-dispatch/internal/storage"
)

// Outcome is the terminal result of one dispatch loop.
type Outcome string

const (
	OutcomeAssigned     Outcome = "assigned"
	OutcomeNoCandidates Outcome = "no_candidates"
	OutcomeCancelled    Outcome = "cancelled"
)

var ErrNoCandidates = errors.New("no eligible workers")

// Notifier pushes an offer to the candidate worker's device.
type Notifier interface {
	Offer(workerID string, notice models.OfferNotice) error
}

// Billing is told about request completion so the payment collaborator
// can settle; everything past that boundary is out of scope here.
type Billing interface {
	NotifyCompletion(ctx context.Context, req models.Request, amountCents int64) error
}

// Engine owns the dispatch protocol: it repeatedly offers a request to
// the nearest eligible worker, one offer at a time, until one accepts,
// candidates run out, or the request is cancelled.
type Engine struct {
	Geo      geo.GeoIndex
	Offers   *lifecycle.OfferStore
	Requests *lifecycle.Tracker
	ETA      *eta.Estimator
	Store    storage.Store
	Notify   Notifier  // optional
	Billing  Billing   // optional
	Events   *broadcast.Broadcaster
	Logger   *slog.Logger

	InitialRadiusKm  float64
	MaxRadiusKm      float64
	CriticalRadiusKm float64

	DeadlineNormal   time.Duration
	DeadlineHigh     time.Duration
	DeadlineCritical time.Duration

	SweepInterval time.Duration
	FeeCents      int64

	mu      sync.Mutex
	waiters map[string]chan models.OfferState
	loops   map[string]context.CancelFunc
}

func (e *Engine) init() {
	e.mu.Lock()
	if e.waiters == nil {
		e.waiters = make(map[string]chan models.OfferState)
		e.loops = make(map[string]context.CancelFunc)
	}
	e.mu.Unlock()
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
}

func (e *Engine) deadlineFor(p models.Priority) time.Duration {
	switch p {
	case models.PriorityCritical:
		if e.DeadlineCritical > 0 {
			return e.DeadlineCritical
		}
		return 20 * time.Second
	case models.PriorityHigh:
		if e.DeadlineHigh > 0 {
			return e.DeadlineHigh
		}
		return 30 * time.Second
	default:
		if e.DeadlineNormal > 0 {
			return e.DeadlineNormal
		}
		return 45 * time.Second
	}
}

func (e *Engine) startRadius(p models.Priority) float64 {
	r := e.InitialRadiusKm
	if r <= 0 {
		r = 3
	}
	if p == models.PriorityCritical && e.CriticalRadiusKm > r {
		r = e.CriticalRadiusKm
	}
	return r
}

func (e *Engine) maxRadius() float64 {
	if e.MaxRadiusKm > 0 {
		return e.MaxRadiusKm
	}
	return 30
}

// Dispatch runs the offer loop for one request until a terminal outcome.
// It is safe to run one loop per request; failures stay scoped to that
// request.
func (e *Engine) Dispatch(ctx context.Context, requestID string) (Outcome, error) {
	e.init()
	req, err := e.Requests.Get(requestID)
	if err != nil {
		return "", err
	}
	start := time.Now()

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.loops[requestID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.loops, requestID)
		e.mu.Unlock()
	}()

	excluded := make(map[string]struct{})
	radius := e.startRadius(req.Priority)

	for {
		if dctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		cur, err := e.Requests.Get(requestID)
		if err != nil {
			return "", err
		}
		switch {
		case cur.State == models.RequestAssigned:
			return OutcomeAssigned, nil
		case cur.State.Terminal():
			return OutcomeCancelled, nil
		}

		cands := e.Geo.FindCandidates(req.Destination, radius, req.Category, excluded)
		cand, ok := e.firstFree(cands, excluded)
		if !ok {
			if radius >= e.maxRadius() {
				e.Logger.Info("dispatch_exhausted", "request_id", requestID, "radius_km", radius, "excluded", len(excluded))
				observability.DispatchLatency.Observe(time.Since(start).Seconds())
				return OutcomeNoCandidates, fmt.Errorf("request %s: %w", requestID, ErrNoCandidates)
			}
			radius *= 2
			if radius > e.maxRadius() {
				radius = e.maxRadius()
			}
			continue
		}

		outcome, done := e.offerAndWait(dctx, req, cand, excluded)
		if done {
			observability.DispatchLatency.Observe(time.Since(start).Seconds())
			return outcome, nil
		}
	}
}

// firstFree returns the nearest candidate that is not excluded and not
// already tied to another job or open offer.
func (e *Engine) firstFree(cands []geo.Candidate, excluded map[string]struct{}) (geo.Candidate, bool) {
	for _, c := range cands {
		id := c.Worker.ID
		if _, busy := e.Requests.ActiveForWorker(id); busy {
			excluded[id] = struct{}{}
			continue
		}
		if _, busy := e.Offers.ActiveForWorker(id); busy {
			excluded[id] = struct{}{}
			continue
		}
		return c, true
	}
	return geo.Candidate{}, false
}

// offerAndWait creates one offer and blocks until it resolves. done is
// false when the loop should try the next candidate.
func (e *Engine) offerAndWait(ctx context.Context, req models.Request, cand geo.Candidate, excluded map[string]struct{}) (Outcome, bool) {
	deadline := e.deadlineFor(req.Priority)
	off := e.Offers.Create(req.ID, cand.Worker.ID, cand.DistanceKm, deadline)
	if e.Store != nil {
		_ = e.Store.SaveOffer(&off)
	}
	ch := e.addWaiter(off.ID)
	defer e.dropWaiter(off.ID)

	est := eta.Estimate{DistanceKm: cand.DistanceKm}
	if e.ETA != nil && cand.Worker.Loc != nil {
		est = e.ETA.Estimate(ctx, *cand.Worker.Loc, req.Destination, cand.Worker.Vehicle)
	}
	notice := models.OfferNotice{
		OfferID:     off.ID,
		RequestID:   req.ID,
		Category:    req.Category,
		Destination: req.Destination,
		DistanceKm:  cand.DistanceKm,
		ETAMinutes:  est.ETAMinutes,
		RespondBy:   off.RespondBy,
	}
	if e.Notify != nil {
		if err := e.Notify.Offer(cand.Worker.ID, notice); err != nil {
			e.Logger.Warn("offer_push_failed", "offer_id", off.ID, "worker_id", cand.Worker.ID, "error", err)
		}
	}
	e.publish(broadcast.WorkerTopic(cand.Worker.ID), models.TrackingEvent{
		Type: "offer", RequestID: req.ID, WorkerID: cand.Worker.ID,
		DistanceKm: cand.DistanceKm, ETAMinutes: est.ETAMinutes, At: time.Now(),
	})
	e.Logger.Info("offer_created", "offer_id", off.ID, "request_id", req.ID,
		"worker_id", cand.Worker.ID, "distance_km", cand.DistanceKm, "respond_by", off.RespondBy)
	observability.OffersTotal.WithLabelValues("offered").Inc()

	timer := time.NewTimer(time.Until(off.RespondBy))
	defer timer.Stop()

	for {
		select {
		case st := <-ch:
			switch st {
			case models.OfferAccepted:
				return OutcomeAssigned, true
			default: // declined, expired, superseded
				excluded[cand.Worker.ID] = struct{}{}
				return "", false
			}
		case <-timer.C:
			if expired, ok := e.Offers.Expire(off.ID); ok {
				if e.Store != nil {
					_ = e.Store.UpdateOffer(&expired)
				}
				observability.OffersTotal.WithLabelValues("expired").Inc()
				e.Logger.Info("offer_expired", "offer_id", off.ID, "worker_id", cand.Worker.ID)
				excluded[cand.Worker.ID] = struct{}{}
				return "", false
			}
			// a response committed first; its resolution is in flight
		case <-ctx.Done():
			e.supersedeOpen(req.ID, "")
			return OutcomeCancelled, true
		}
	}
}

// Accept is the worker accepting an offer. Exactly one accept per
// request can win: the offer flips by CAS, then the request assignment
// is the atomic gate. Losers are reverted and reported as a conflict.
func (e *Engine) Accept(ctx context.Context, offerID, workerID string) (models.Request, error) {
	e.init()
	off, err := e.Offers.Accept(offerID, workerID)
	if err != nil {
		return models.Request{}, err
	}
	if active, busy := e.Requests.ActiveForWorker(workerID); busy {
		e.Offers.RevertAccept(off.ID)
		e.persistOffer(off.ID)
		e.resolve(off.ID, models.OfferSuperseded)
		return models.Request{}, fmt.Errorf("worker %s already on request %s: %w", workerID, active.ID, lifecycle.ErrConflict)
	}
	req, err := e.Requests.Assign(off.RequestID, workerID)
	if err != nil {
		// lost against a concurrent accept or a cancellation
		e.Offers.RevertAccept(off.ID)
		e.persistOffer(off.ID)
		e.resolve(off.ID, models.OfferSuperseded)
		return models.Request{}, fmt.Errorf("request %s no longer available: %w", off.RequestID, lifecycle.ErrConflict)
	}

	for _, closed := range e.Offers.SupersedeOpen(off.RequestID, off.ID) {
		e.persistOffer(closed.ID)
		e.resolve(closed.ID, models.OfferSuperseded)
	}
	e.persistOffer(off.ID)
	if e.Store != nil {
		_ = e.Store.UpdateRequest(&req)
		_ = e.Store.MutateWorker(workerID, func(w *models.Worker) { w.JobsAccepted++ })
	}
	e.Geo.SetAvailability(workerID, false)
	observability.OffersTotal.WithLabelValues("accepted").Inc()
	e.Logger.Info("request_assigned", "request_id", req.ID, "worker_id", workerID, "offer_id", off.ID)
	e.publishStatus(req)
	e.resolve(off.ID, models.OfferAccepted)
	return req, nil
}

// Decline records the worker turning the offer down and lets the loop
// move to the next candidate.
func (e *Engine) Decline(ctx context.Context, offerID, workerID, reason string) error {
	e.init()
	off, err := e.Offers.Decline(offerID, workerID, reason)
	if err != nil {
		return err
	}
	e.persistOffer(off.ID)
	if e.Store != nil {
		_ = e.Store.MutateWorker(workerID, func(w *models.Worker) { w.JobsDeclined++ })
	}
	observability.OffersTotal.WithLabelValues("declined").Inc()
	e.Logger.Info("offer_declined", "offer_id", off.ID, "worker_id", workerID, "reason", reason)
	e.resolve(off.ID, models.OfferDeclined)
	return nil
}

// Cancel terminates the request, stops its dispatch loop and supersedes
// any outstanding offer. An accept racing this loses.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) (models.Request, error) {
	e.init()
	req, err := e.Requests.Cancel(requestID, reason)
	if err != nil {
		return models.Request{}, err
	}
	e.mu.Lock()
	if stop, ok := e.loops[requestID]; ok {
		stop()
	}
	e.mu.Unlock()
	e.supersedeOpen(requestID, "")
	if req.WorkerID != "" {
		e.Geo.SetAvailability(req.WorkerID, true)
	}
	if e.Store != nil {
		_ = e.Store.UpdateRequest(&req)
	}
	e.Logger.Info("request_cancelled", "request_id", requestID, "reason", reason)
	e.publishStatus(req)
	return req, nil
}

// MarkArrived is the explicit arrival action; idempotent.
func (e *Engine) MarkArrived(ctx context.Context, requestID string) (models.Request, error) {
	e.init()
	req, err := e.Requests.MarkArrived(requestID)
	if err != nil {
		return models.Request{}, err
	}
	if e.Store != nil {
		_ = e.Store.UpdateRequest(&req)
	}
	e.publishStatus(req)
	return req, nil
}

func (e *Engine) StartService(ctx context.Context, requestID string) (models.Request, error) {
	e.init()
	req, err := e.Requests.StartService(requestID)
	if err != nil {
		return models.Request{}, err
	}
	if e.Store != nil {
		_ = e.Store.UpdateRequest(&req)
	}
	e.publishStatus(req)
	return req, nil
}

// CompleteService finishes the job, frees the worker, bumps its
// counters and tells billing.
func (e *Engine) CompleteService(ctx context.Context, requestID string) (models.Request, error) {
	e.init()
	req, err := e.Requests.CompleteService(requestID)
	if err != nil {
		return models.Request{}, err
	}
	if e.Store != nil {
		_ = e.Store.UpdateRequest(&req)
		_ = e.Store.MutateWorker(req.WorkerID, func(w *models.Worker) {
			w.JobsCompleted++
			w.EarningsCents += e.FeeCents
		})
	}
	e.Geo.SetAvailability(req.WorkerID, true)
	if e.Billing != nil {
		if err := e.Billing.NotifyCompletion(ctx, req, e.FeeCents); err != nil {
			e.Logger.Warn("billing_notify_failed", "request_id", req.ID, "error", err)
		}
	}
	e.Logger.Info("request_completed", "request_id", req.ID, "worker_id", req.WorkerID)
	e.publishStatus(req)
	return req, nil
}

// RunSweep periodically expires offers past their deadline. The sweep
// and a racing accept go through the same conditional update, so only
// one of them ever commits.
func (e *Engine) RunSweep(ctx context.Context) {
	e.init()
	interval := e.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, off := range e.Offers.SweepExpired(now) {
				e.persistOffer(off.ID)
				observability.OffersTotal.WithLabelValues("expired").Inc()
				e.resolve(off.ID, models.OfferExpired)
			}
		}
	}
}

// StaleSweeper is implemented by geo indexes that can expire idle
// workers; the in-memory Index does.
type StaleSweeper interface {
	MarkStaleOffline(cutoff time.Time) []string
}

// RunIdleReaper marks workers offline when no location report has
// arrived within timeout.
func (e *Engine) RunIdleReaper(ctx context.Context, timeout time.Duration) {
	e.init()
	sweeper, ok := e.Geo.(StaleSweeper)
	if !ok {
		return
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range sweeper.MarkStaleOffline(now.Add(-timeout)) {
				observability.WorkersOnline.Dec()
				if e.Store != nil {
					_ = e.Store.MutateWorker(id, func(w *models.Worker) { w.Online = false })
				}
				e.Logger.Info("worker_idle_offline", "worker_id", id, "timeout", timeout)
			}
		}
	}
}

func (e *Engine) supersedeOpen(requestID, keepID string) {
	for _, off := range e.Offers.SupersedeOpen(requestID, keepID) {
		e.persistOffer(off.ID)
		observability.OffersTotal.WithLabelValues("superseded").Inc()
		e.resolve(off.ID, models.OfferSuperseded)
	}
}

func (e *Engine) persistOffer(offerID string) {
	if e.Store == nil {
		return
	}
	if off, err := e.Offers.Get(offerID); err == nil {
		_ = e.Store.UpdateOffer(&off)
	}
}

func (e *Engine) publish(topic string, ev models.TrackingEvent) {
	if e.Events != nil {
		e.Events.Publish(topic, ev)
	}
}

func (e *Engine) publishStatus(req models.Request) {
	ev := models.TrackingEvent{
		Type: "status", RequestID: req.ID, WorkerID: req.WorkerID,
		State: req.State, At: time.Now(),
	}
	e.publish(broadcast.RequestTopic(req.ID), ev)
	if req.WorkerID != "" {
		e.publish(broadcast.WorkerTopic(req.WorkerID), ev)
	}
}

func (e *Engine) addWaiter(offerID string) chan models.OfferState {
	ch := make(chan models.OfferState, 1)
	e.mu.Lock()
	e.waiters[offerID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) dropWaiter(offerID string) {
	e.mu.Lock()
	delete(e.waiters, offerID)
	e.mu.Unlock()
}

func (e *Engine) resolve(offerID string, st models.OfferState) {
	e.mu.Lock()
	ch := e.waiters[offerID]
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- st:
		default:
		}
	}
}
