package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Capability is a service category a worker can handle.
type Capability string

const (
	CapabilityRoadside Capability = "roadside"
	CapabilityTowing   Capability = "towing"
	CapabilityMedical  Capability = "medical"
	CapabilityLegal    Capability = "legal"
)

type VehicleType string

const (
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleCar        VehicleType = "car"
	VehicleAmbulance  VehicleType = "ambulance"
)

type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Worker struct {
	ID           string       `json:"id"`
	Loc          *Coord       `json:"loc,omitempty"` // nil until the first location report
	Capabilities []Capability `json:"capabilities"`
	Vehicle      VehicleType  `json:"vehicle"`
	Online       bool         `json:"online"`
	Available    bool         `json:"available"`
	Rating       float64      `json:"rating"` // 0..5

	JobsCompleted int   `json:"jobs_completed"`
	JobsAccepted  int   `json:"jobs_accepted"`
	JobsDeclined  int   `json:"jobs_declined"`
	EarningsCents int64 `json:"earnings_cents"`

	Updated time.Time `json:"updated"`
}

func (w *Worker) HasCapability(c Capability) bool {
	for _, have := range w.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AcceptanceRate is accepted / (accepted + declined), 1.0 before any responses.
func (w *Worker) AcceptanceRate() float64 {
	total := w.JobsAccepted + w.JobsDeclined
	if total == 0 {
		return 1.0
	}
	return float64(w.JobsAccepted) / float64(total)
}

type RequestState string

const (
	RequestPending    RequestState = "pending"
	RequestAssigned   RequestState = "assigned"
	RequestEnRoute    RequestState = "en_route"
	RequestArriving   RequestState = "arriving"
	RequestArrived    RequestState = "arrived"
	RequestInProgress RequestState = "in_progress"
	RequestCompleted  RequestState = "completed"
	RequestCancelled  RequestState = "cancelled"
)

func (s RequestState) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

type Request struct {
	ID          string       `json:"id"`
	RequesterID string       `json:"requester_id"`
	Category    Capability   `json:"category"`
	Destination Coord        `json:"destination"`
	Priority    Priority     `json:"priority"`
	State       RequestState `json:"state"`
	WorkerID    string       `json:"worker_id,omitempty"` // empty until assigned

	CreatedAt    time.Time  `json:"created_at"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
}

type OfferState string

const (
	OfferOffered    OfferState = "offered"
	OfferAccepted   OfferState = "accepted"
	OfferDeclined   OfferState = "declined"
	OfferExpired    OfferState = "expired"
	OfferSuperseded OfferState = "superseded"
)

func (s OfferState) Terminal() bool { return s != OfferOffered }

type JobOffer struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"request_id"`
	WorkerID   string     `json:"worker_id"`
	State      OfferState `json:"state"`
	DistanceKm float64    `json:"distance_km"`

	OfferedAt     time.Time  `json:"offered_at"`
	RespondBy     time.Time  `json:"respond_by"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
}

// LocationSample is one append-only entry of the position history. The
// worker's current position is a separate mutable projection on Worker.
type LocationSample struct {
	WorkerID   string    `json:"worker_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Loc        Coord     `json:"loc"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedKmh   float64   `json:"speed_kmh"`
	AccuracyM  float64   `json:"accuracy_m"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OfferNotice is pushed to a worker's websocket when the engine offers
// them a job.
type OfferNotice struct {
	OfferID     string     `json:"offer_id"`
	RequestID   string     `json:"request_id"`
	Category    Capability `json:"category"`
	Destination Coord      `json:"destination"`
	DistanceKm  float64    `json:"distance_km"`
	ETAMinutes  float64    `json:"eta_minutes"`
	RespondBy   time.Time  `json:"respond_by"`
}

// TrackingEvent is what subscribers of a request or worker topic receive.
type TrackingEvent struct {
	Type       string       `json:"type"` // "location", "status", "offer"
	RequestID  string       `json:"request_id,omitempty"`
	WorkerID   string       `json:"worker_id,omitempty"`
	State      RequestState `json:"state,omitempty"`
	Loc        *Coord       `json:"loc,omitempty"`
	HeadingDeg float64      `json:"heading_deg,omitempty"`
	DistanceKm float64      `json:"distance_km,omitempty"`
	ETAMinutes float64      `json:"eta_minutes,omitempty"`
	ETASource  string       `json:"eta_source,omitempty"`
	At         time.Time    `json:"at"`
}
