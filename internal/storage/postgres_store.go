package storage

import (
	"database/sql"
	"strings"

	_ "github.com/lib/pq"

	"github.com/example/assist-dispatch/internal/models"
)

// PostgresStore persists the engine's tables per the logical layout:
// workers, requests, job_offers (append-mostly), location_samples
// (append-only).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveWorker(w *models.Worker) error {
	caps := make([]string, 0, len(w.Capabilities))
	for _, c := range w.Capabilities {
		caps = append(caps, string(c))
	}
	var lat, lon sql.NullFloat64
	if w.Loc != nil {
		lat = sql.NullFloat64{Float64: w.Loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: w.Loc.Lon, Valid: true}
	}
	_, err := p.db.Exec(`INSERT INTO workers(id, lat, lon, capabilities, vehicle, online, available, rating, jobs_completed, jobs_accepted, jobs_declined, earnings_cents, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		ON CONFLICT (id) DO UPDATE SET lat=$2, lon=$3, capabilities=$4, vehicle=$5, online=$6, available=$7, rating=$8, jobs_completed=$9, jobs_accepted=$10, jobs_declined=$11, earnings_cents=$12, updated_at=now()`,
		w.ID, lat, lon, strings.Join(caps, ","), string(w.Vehicle), w.Online, w.Available, w.Rating,
		w.JobsCompleted, w.JobsAccepted, w.JobsDeclined, w.EarningsCents)
	return err
}

func (p *PostgresStore) GetWorker(id string) (*models.Worker, error) {
	var w models.Worker
	var lat, lon sql.NullFloat64
	var caps, vehicle string
	err := p.db.QueryRow(`SELECT id, lat, lon, capabilities, vehicle, online, available, rating, jobs_completed, jobs_accepted, jobs_declined, earnings_cents, updated_at FROM workers WHERE id=$1`, id).
		Scan(&w.ID, &lat, &lon, &caps, &vehicle, &w.Online, &w.Available, &w.Rating,
			&w.JobsCompleted, &w.JobsAccepted, &w.JobsDeclined, &w.EarningsCents, &w.Updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		w.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	w.Vehicle = models.VehicleType(vehicle)
	if caps != "" {
		for _, c := range strings.Split(caps, ",") {
			w.Capabilities = append(w.Capabilities, models.Capability(c))
		}
	}
	return &w, nil
}

func (p *PostgresStore) MutateWorker(id string, fn func(*models.Worker)) error {
	w, err := p.GetWorker(id)
	if err != nil {
		return err
	}
	fn(w)
	return p.SaveWorker(w)
}

func (p *PostgresStore) SaveRequest(r *models.Request) error {
	_, err := p.db.Exec(`INSERT INTO requests(id, requester_id, category, dest_lat, dest_lon, priority, state, worker_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9)`,
		r.ID, r.RequesterID, string(r.Category), r.Destination.Lat, r.Destination.Lon,
		string(r.Priority), string(r.State), r.WorkerID, r.CreatedAt)
	return err
}

func (p *PostgresStore) UpdateRequest(r *models.Request) error {
	_, err := p.db.Exec(`UPDATE requests SET state=$1, worker_id=NULLIF($2,''), assigned_at=$3, arrived_at=$4, started_at=$5, completed_at=$6, cancelled_at=$7, cancel_reason=$8 WHERE id=$9`,
		string(r.State), r.WorkerID, r.AssignedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.CancelReason, r.ID)
	return err
}

func (p *PostgresStore) SaveOffer(o *models.JobOffer) error {
	_, err := p.db.Exec(`INSERT INTO job_offers(id, request_id, worker_id, state, distance_km, offered_at, respond_by)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.RequestID, o.WorkerID, string(o.State), o.DistanceKm, o.OfferedAt, o.RespondBy)
	return err
}

func (p *PostgresStore) UpdateOffer(o *models.JobOffer) error {
	_, err := p.db.Exec(`UPDATE job_offers SET state=$1, responded_at=$2, decline_reason=$3 WHERE id=$4`,
		string(o.State), o.RespondedAt, o.DeclineReason, o.ID)
	return err
}

func (p *PostgresStore) AppendSample(s *models.LocationSample) error {
	_, err := p.db.Exec(`INSERT INTO location_samples(worker_id, request_id, lat, lon, heading_deg, speed_kmh, accuracy_m, recorded_at)
		VALUES($1,NULLIF($2,''),$3,$4,$5,$6,$7,$8)`,
		s.WorkerID, s.RequestID, s.Loc.Lat, s.Loc.Lon, s.HeadingDeg, s.SpeedKmh, s.AccuracyM, s.RecordedAt)
	return err
}

func (p *PostgresStore) SamplesByRequest(requestID string, limit int) ([]models.LocationSample, error) {
	return p.querySamples(`SELECT worker_id, COALESCE(request_id,''), lat, lon, heading_deg, speed_kmh, accuracy_m, recorded_at
		FROM location_samples WHERE request_id=$1 ORDER BY recorded_at DESC LIMIT $2`, requestID, limit)
}

func (p *PostgresStore) SamplesByWorker(workerID string, limit int) ([]models.LocationSample, error) {
	return p.querySamples(`SELECT worker_id, COALESCE(request_id,''), lat, lon, heading_deg, speed_kmh, accuracy_m, recorded_at
		FROM location_samples WHERE worker_id=$1 ORDER BY recorded_at DESC LIMIT $2`, workerID, limit)
}

func (p *PostgresStore) LastSample(workerID string) (*models.LocationSample, error) {
	rows, err := p.querySamples(`SELECT worker_id, COALESCE(request_id,''), lat, lon, heading_deg, speed_kmh, accuracy_m, recorded_at
		FROM location_samples WHERE worker_id=$1 ORDER BY recorded_at DESC LIMIT $2`, workerID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (p *PostgresStore) querySamples(query, key string, limit int) ([]models.LocationSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(query, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LocationSample
	for rows.Next() {
		var s models.LocationSample
		if err := rows.Scan(&s.WorkerID, &s.RequestID, &s.Loc.Lat, &s.Loc.Lon, &s.HeadingDeg, &s.SpeedKmh, &s.AccuracyM, &s.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	// query is newest-first for the LIMIT; callers want oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
