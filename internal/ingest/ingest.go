package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/assist-dispatch/internal/broadcast"
	"github.com/example/assist-dispatch/internal/eta"
	"github.com/example/assist-dispatch/internal/geo"
	"github.com/example/assist-dispatch/internal/lifecycle"
	"github.com/example/assist-dispatch/internal/models"
	"github.com/example/assist-dispatch/internal/observability"
	"github.com/example/assist-dispatch/internal/storage"
)

// Report is one position update from an active worker.
type Report struct {
	WorkerID   string
	Loc        models.Coord
	HeadingDeg *float64 // nil: derive from the previous sample
	SpeedKmh   float64
	AccuracyM  float64
	RequestID  string
	RecordedAt time.Time // zero: now
}

// Result tells the reporting worker where it stands.
type Result struct {
	ETA          eta.Estimate       `json:"eta"`
	DerivedState models.RequestState `json:"derived_state,omitempty"`
	Stale        bool               `json:"stale,omitempty"`
}

// Service ingests location reports: it refreshes the geo projection,
// appends to the sample history, recomputes the ETA and advances the
// request lifecycle across the arrival thresholds.
type Service struct {
	Geo      geo.GeoIndex
	Store    storage.Store
	Requests *lifecycle.Tracker
	ETA      *eta.Estimator
	Events   *broadcast.Broadcaster
	Kafka    *KafkaProducer // optional
	Logger   *slog.Logger

	ArrivingThresholdM float64
	ArrivedThresholdM  float64
}

func (s *Service) arrivingM() float64 {
	if s.ArrivingThresholdM > 0 {
		return s.ArrivingThresholdM
	}
	return 500
}

func (s *Service) arrivedM() float64 {
	if s.ArrivedThresholdM > 0 {
		return s.ArrivedThresholdM
	}
	return 50
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Report never rejects a sample: stale and duplicate reports are kept in
// the history but cannot roll back the projection or the lifecycle.
func (s *Service) Report(ctx context.Context, rep Report) (Result, error) {
	if rep.RecordedAt.IsZero() {
		rep.RecordedAt = time.Now()
	}
	observability.ReportsIngested.Inc()

	var prev *models.LocationSample
	if s.Store != nil {
		if last, err := s.Store.LastSample(rep.WorkerID); err == nil {
			prev = last
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, err
		}
	}
	stale := prev != nil && prev.RecordedAt.After(rep.RecordedAt)

	heading := 0.0
	switch {
	case rep.HeadingDeg != nil:
		heading = *rep.HeadingDeg
	case prev != nil:
		heading = deriveHeading(prev.Loc, rep.Loc)
	}

	sample := models.LocationSample{
		WorkerID:   rep.WorkerID,
		RequestID:  rep.RequestID,
		Loc:        rep.Loc,
		HeadingDeg: heading,
		SpeedKmh:   rep.SpeedKmh,
		AccuracyM:  rep.AccuracyM,
		RecordedAt: rep.RecordedAt,
	}
	if s.Store != nil {
		if err := s.Store.AppendSample(&sample); err != nil {
			return Result{}, err
		}
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishSample(sample); err != nil {
			s.logger().Warn("sample_publish_failed", "worker_id", rep.WorkerID, "error", err)
		}
	}

	res := Result{Stale: stale}
	if stale {
		return res, nil
	}

	s.Geo.UpsertPosition(rep.WorkerID, rep.Loc, true)

	ev := models.TrackingEvent{
		Type:       "location",
		WorkerID:   rep.WorkerID,
		Loc:        &rep.Loc,
		HeadingDeg: heading,
		At:         rep.RecordedAt,
	}

	if rep.RequestID != "" {
		req, err := s.Requests.Get(rep.RequestID)
		if err != nil {
			return Result{}, err
		}
		if req.WorkerID == rep.WorkerID && !req.State.Terminal() {
			vehicle := models.VehicleCar
			if w, ok := s.Geo.Worker(rep.WorkerID); ok && w.Vehicle != "" {
				vehicle = w.Vehicle
			}
			if s.ETA != nil {
				res.ETA = s.ETA.Estimate(ctx, rep.Loc, req.Destination, vehicle)
			} else {
				res.ETA = eta.Fallback(rep.Loc, req.Destination, vehicle)
			}
			if res.ETA.Source == eta.SourceFallback {
				observability.ETAFallbacks.Inc()
			}

			distM := geo.Haversine(rep.Loc, req.Destination) * 1000
			if target, ok := derivedState(distM, s.arrivingM(), s.arrivedM()); ok {
				if updated, moved, err := s.Requests.AdvanceTracking(req.ID, target); err == nil && moved {
					res.DerivedState = updated.State
					if s.Store != nil {
						_ = s.Store.UpdateRequest(&updated)
					}
					s.logger().Info("tracking_advanced", "request_id", req.ID, "state", updated.State, "distance_m", distM)
				}
			}

			ev.RequestID = req.ID
			ev.DistanceKm = res.ETA.DistanceKm
			ev.ETAMinutes = res.ETA.ETAMinutes
			ev.ETASource = res.ETA.Source
			if res.DerivedState != "" {
				ev.State = res.DerivedState
			}
			if s.Events != nil {
				s.Events.Publish(broadcast.RequestTopic(req.ID), ev)
			}
		}
	}

	if s.Events != nil {
		s.Events.Publish(broadcast.WorkerTopic(rep.WorkerID), ev)
	}
	return res, nil
}

// derivedState maps distance-to-destination onto the tracking states.
func derivedState(distM, arrivingM, arrivedM float64) (models.RequestState, bool) {
	switch {
	case distM <= arrivedM:
		return models.RequestArrived, true
	case distM <= arrivingM:
		return models.RequestArriving, true
	default:
		return models.RequestEnRoute, true
	}
}

// deriveHeading is the initial great-circle bearing from the previous
// sample to the new one, in degrees clockwise from north. Two samples
// at the same point keep heading 0.
func deriveHeading(from, to models.Coord) float64 {
	if from.Lat == to.Lat && from.Lon == to.Lon {
		return 0
	}
	lat1 := from.Lat * math.Pi / 180
	lat2 := to.Lat * math.Pi / 180
	dLon := (to.Lon - from.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
}
