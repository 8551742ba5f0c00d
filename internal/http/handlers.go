package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/assist-dispatch/internal/broadcast"
	"github.com/example/assist-dispatch/internal/dispatch"
	"github.com/example/assist-dispatch/internal/geo"
	"github.com/example/assist-dispatch/internal/ingest"
	"github.com/example/assist-dispatch/internal/lifecycle"
	"github.com/example/assist-dispatch/internal/models"
	"github.com/example/assist-dispatch/internal/observability"
	"github.com/example/assist-dispatch/internal/storage"
)

// Server is the dispatch API: request intake, worker actions, location
// reports and the live subscription streams.
type Server struct {
	Engine *dispatch.Engine
	Ingest *ingest.Service
	Geo    geo.GeoIndex
	Store  storage.Store
	Events *broadcast.Broadcaster
	WSReg  *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *dispatch.Engine, ing *ingest.Service, g geo.GeoIndex, store storage.Store, events *broadcast.Broadcaster, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine: engine,
		Ingest: ing,
		Geo:    g,
		Store:  store,
		Events: events,
		WSReg:  wsreg,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/arrived", s.handleMarkArrived).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.handleStartService).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.handleCompleteService).Methods("POST")
	api.HandleFunc("/requests/{id}/locations", s.handleRequestLocations).Methods("GET")

	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{id}/decline", s.handleDeclineOffer).Methods("POST")

	api.HandleFunc("/workers", s.handleRegisterWorker).Methods("POST")
	api.HandleFunc("/workers/{id}", s.handleGetWorker).Methods("GET")
	api.HandleFunc("/workers/location", s.handleReportLocation).Methods("POST")
	api.HandleFunc("/workers/{id}/availability", s.handleSetAvailability).Methods("POST")

	s.mux.HandleFunc("/ws/workers/{id}", s.handleWorkerWS)
	s.mux.HandleFunc("/ws/workers/{id}/feed", s.handleWorkerFeed)
	s.mux.HandleFunc("/ws/requests/{id}", s.handleRequestFeed)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestPayload struct {
	RequesterID string            `json:"requester_id"`
	Category    models.Capability `json:"category"`
	Destination models.Coord      `json:"destination"`
	Priority    models.Priority   `json:"priority"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var p createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.RequesterID == "" || p.Category == "" {
		http.Error(w, "requester_id and category are required", http.StatusBadRequest)
		return
	}
	req := s.Engine.Requests.Create(p.RequesterID, p.Category, p.Destination, p.Priority)
	if s.Store != nil {
		_ = s.Store.SaveRequest(&req)
	}
	go func() {
		if _, err := s.Engine.Dispatch(context.Background(), req.ID); err != nil {
			s.logger.Warn("dispatch_finished_without_match", "request_id", req.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": req.ID, "state": req.State})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.Requests.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&p)
	req, err := s.Engine.Cancel(r.Context(), mux.Vars(r)["id"], p.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleMarkArrived(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.MarkArrived(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.StartService(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCompleteService(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.CompleteService(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestLocations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	samples, err := s.Store.SamplesByRequest(mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

type offerActionPayload struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var p offerActionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.Engine.Accept(r.Context(), mux.Vars(r)["id"], p.WorkerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	var p offerActionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.Decline(r.Context(), mux.Vars(r)["id"], p.WorkerID, p.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var worker models.Worker
	if err := json.NewDecoder(r.Body).Decode(&worker); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if worker.ID == "" || len(worker.Capabilities) == 0 {
		http.Error(w, "id and capabilities are required", http.StatusBadRequest)
		return
	}
	worker.Online = true
	worker.Available = true
	s.Geo.UpsertWorker(worker)
	if s.Store != nil {
		_ = s.Store.SaveWorker(&worker)
	}
	observability.WorkersOnline.Inc()
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.Store.GetWorker(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker":          worker,
		"acceptance_rate": worker.AcceptanceRate(),
	})
}

type reportPayload struct {
	WorkerID   string   `json:"worker_id"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
	SpeedKmh   float64  `json:"speed_kmh,omitempty"`
	AccuracyM  float64  `json:"accuracy_m,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	var p reportPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	res, err := s.Ingest.Report(r.Context(), ingest.Report{
		WorkerID:   p.WorkerID,
		Loc:        models.Coord{Lat: p.Lat, Lon: p.Lon},
		HeadingDeg: p.HeadingDeg,
		SpeedKmh:   p.SpeedKmh,
		AccuracyM:  p.AccuracyM,
		RequestID:  p.RequestID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Available *bool `json:"available,omitempty"`
		Online    *bool `json:"online,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if p.Available != nil {
		s.Geo.SetAvailability(id, *p.Available)
	}
	if p.Online != nil {
		s.Geo.SetOnline(id, *p.Online)
		if *p.Online {
			observability.WorkersOnline.Inc()
		} else {
			observability.WorkersOnline.Dec()
		}
	}
	if s.Store != nil {
		_ = s.Store.MutateWorker(id, func(worker *models.Worker) {
			if p.Available != nil {
				worker.Available = *p.Available
			}
			if p.Online != nil {
				worker.Online = *p.Online
			}
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWorkerWS is the worker's offer channel: the engine pushes
// OfferNotice frames here.
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Remove(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleRequestFeed(w http.ResponseWriter, r *http.Request) {
	s.streamTopic(w, r, broadcast.RequestTopic(mux.Vars(r)["id"]))
}

func (s *Server) handleWorkerFeed(w http.ResponseWriter, r *http.Request) {
	s.streamTopic(w, r, broadcast.WorkerTopic(mux.Vars(r)["id"]))
}

// streamTopic bridges a broadcaster subscription onto a websocket. A
// slow or gone subscriber only ever loses its own events.
func (s *Server) streamTopic(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.Events.Subscribe(topic)

	go func() {
		defer func() {
			sub.Close()
			conn.Close()
		}()
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-gone:
				return
			}
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrWorkerMismatch):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrConflict), errors.Is(err, lifecycle.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrNoCandidates):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
