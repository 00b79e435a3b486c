package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/models"
)

// Role names carried in X-User-Roles.
const (
	RolePassenger = "passenger"
	RoleDriver    = "driver"
	RoleAdmin     = "admin"
	RoleSOS       = "sos"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	engine *engine.Service
	hub    *dispatch.Hub
	logger *slog.Logger
	checks map[string]HealthCheck
	mux    *mux.Router
}

func NewServer(svc *engine.Service, hub *dispatch.Hub, logger *slog.Logger, checks map[string]HealthCheck) *Server {
	s := &Server{
		engine: svc,
		hub:    hub,
		logger: logger.With("component", "http"),
		checks: checks,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	presence := s.mux.PathPrefix("/drivers/presence").Subrouter()
	presence.HandleFunc("/online", s.handlePresenceOnline).Methods(http.MethodPost)
	presence.HandleFunc("/offline", s.handlePresenceOffline).Methods(http.MethodPost)
	presence.HandleFunc("/ping", s.handlePresencePing).Methods(http.MethodPost)

	trips := s.mux.PathPrefix("/trips").Subrouter()
	trips.HandleFunc("/request", s.handleRequestTrip).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/bids", s.handleCreateBid).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/accept-bid", s.handleAcceptBid).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/driver/en-route", s.handleDriverStep(s.engine.DriverEnRoute)).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/driver/arrived", s.handleDriverStep(s.engine.DriverArrived)).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/driver/verify-otp", s.handleVerifyOtp).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/driver/cancel", s.handleCancel(RoleDriver, s.engine.CancelDriver)).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/location", s.handleLocation).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/complete", s.handleDriverStep(s.engine.CompleteTrip)).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/rate", s.handleRate).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/cancel", s.handleCancel(RolePassenger, s.engine.CancelPassenger)).Methods(http.MethodPost)

	admin := s.mux.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/trips", s.handleAdminTrips).Methods(http.MethodGet)
	admin.HandleFunc("/trips/{id}", s.handleAdminTrip).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"healthy": healthy, "checks": status})
}

type presenceRequest struct {
	Lat             float64                `json:"lat"`
	Lng             float64                `json:"lng"`
	VehicleCategory models.VehicleCategory `json:"vehicle_category"`
}

func (s *Server) handlePresenceOnline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RoleDriver)
	if !ok {
		return
	}
	var req presenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.PresenceOnline(r.Context(), id.UserID, req.Lat, req.Lng, req.VehicleCategory)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *Server) handlePresenceOffline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RoleDriver)
	if !ok {
		return
	}
	err := s.engine.PresenceOffline(r.Context(), id.UserID)
	s.respond(w, r, http.StatusOK, map[string]bool{"online": false}, err)
}

func (s *Server) handlePresencePing(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RoleDriver)
	if !ok {
		return
	}
	var req presenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.engine.PresencePing(r.Context(), id.UserID, req.Lat, req.Lng)
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RolePassenger)
	if !ok {
		return
	}
	var in engine.RequestTripInput
	if !s.decode(w, r, &in) {
		return
	}
	in.PassengerID = id.UserID
	t, err := s.engine.RequestTrip(r.Context(), in)
	s.respond(w, r, http.StatusCreated, t, err)
}

func (s *Server) handleCreateBid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RoleDriver)
	if !ok {
		return
	}
	var in engine.CreateBidInput
	if !s.decode(w, r, &in) {
		return
	}
	in.DriverID = id.UserID
	in.TripID = mux.Vars(r)["id"]
	b, err := s.engine.CreateBid(r.Context(), in)
	s.respond(w, r, http.StatusCreated, b, err)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RolePassenger)
	if !ok {
		return
	}
	var req struct {
		BidID string `json:"bid_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.engine.AcceptBid(r.Context(), id.UserID, mux.Vars(r)["id"], req.BidID)
	s.respond(w, r, http.StatusOK, t, err)
}

type driverStep func(ctx context.Context, driverID, tripID string) (models.Trip, error)

func (s *Server) handleDriverStep(step driverStep) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.authorize(w, r, RoleDriver)
		if !ok {
			return
		}
		t, err := step(r.Context(), id.UserID, mux.Vars(r)["id"])
		s.respond(w, r, http.StatusOK, t, err)
	}
}

func (s *Server) handleVerifyOtp(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RoleDriver)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.engine.VerifyOtp(r.Context(), id.UserID, mux.Vars(r)["id"], req.Code)
	s.respond(w, r, http.StatusOK, t, err)
}

type cancelFunc func(ctx context.Context, actorID, tripID string, reason models.CancelReason) (models.Trip, error)

func (s *Server) handleCancel(role string, cancel cancelFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.authorize(w, r, role)
		if !ok {
			return
		}
		var req struct {
			Reason models.CancelReason `json:"reason"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		t, err := cancel(r.Context(), id.UserID, mux.Vars(r)["id"], req.Reason)
		s.respond(w, r, http.StatusOK, t, err)
	}
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RoleDriver)
	if !ok {
		return
	}
	var in engine.LocationInput
	if !s.decode(w, r, &in) {
		return
	}
	in.DriverID = id.UserID
	in.TripID = mux.Vars(r)["id"]
	p, err := s.engine.TrackLocation(r.Context(), in)
	s.respond(w, r, http.StatusAccepted, p, err)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, RolePassenger)
	if !ok {
		return
	}
	var req struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	err := s.engine.RateTrip(r.Context(), id.UserID, mux.Vars(r)["id"], req.Rating, req.Comment)
	s.respond(w, r, http.StatusOK, map[string]bool{"rated": true}, err)
}

func (s *Server) handleAdminTrips(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, RoleAdmin, RoleSOS); !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", apperrors.ErrValidation))
			return
		}
		limit = n
	}
	trips, err := s.engine.ListRecentTrips(r.Context(), limit)
	s.respond(w, r, http.StatusOK, map[string]any{"trips": trips}, err)
}

func (s *Server) handleAdminTrip(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, RoleAdmin, RoleSOS); !ok {
		return
	}
	d, err := s.engine.TripDetail(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, d, err)
}

// handleWS joins the caller's own rooms plus any trip rooms named in
// trip_id query values that the caller takes part in.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: missing identity", apperrors.ErrForbidden))
		return
	}
	watcher := id.Has(RoleAdmin) || id.Has(RoleSOS)
	var rooms []dispatch.Audience
	if id.Has(RoleDriver) {
		rooms = append(rooms, dispatch.Driver(id.UserID))
	}
	if id.Has(RolePassenger) {
		rooms = append(rooms, dispatch.User(id.UserID))
	}
	if watcher {
		rooms = append(rooms, dispatch.Ops())
	}
	for _, tripID := range r.URL.Query()["trip_id"] {
		if !watcher {
			t, err := s.engine.Trip(r.Context(), tripID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if t.PassengerID != id.UserID && t.DriverID != id.UserID {
				s.writeError(w, r, fmt.Errorf("%w: not a participant of trip %s", apperrors.ErrForbidden, tripID))
				return
			}
		}
		rooms = append(rooms, dispatch.Trip(tripID))
	}
	s.hub.ServeWS(w, r, rooms)
}

// decode reads a JSON body. An empty body decodes to the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.writeError(w, r, fmt.Errorf("%w: malformed body: %v", apperrors.ErrValidation, err))
	return false
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, code int, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, code, v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.HTTPStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: apperrors.Code(err), Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
