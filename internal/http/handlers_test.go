package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type testServer struct {
	srv *Server
	rec *dispatch.Recorder
	clk *clock.Fake
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	ts := &testServer{
		rec: &dispatch.Recorder{},
		clk: clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	svc := engine.New(engine.Deps{
		Repo:     storage.NewMemoryStore(),
		Presence: geo.NewIndex(),
		Emitter:  ts.rec,
		Clock:    ts.clk,
	}, engine.DefaultOptions())
	ts.srv = NewServer(svc, dispatch.NewHub(logging.Discard()), logging.Discard(), checks)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user, roles string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
		req.Header.Set("X-User-Roles", roles)
	}
	rr := httptest.NewRecorder()
	ts.srv.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

var tripRequest = map[string]any{
	"origin":           map[string]any{"lat": 0, "lng": 0, "address": "Gare"},
	"destination":      map[string]any{"lat": 0.05, "lng": 0},
	"vehicle_category": "CAR",
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	rr := ts.do(t, http.MethodGet, "/healthz", "", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	ts = newTestServer(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rr = ts.do(t, http.MethodGet, "/healthz", "", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, false, body["healthy"])
}

func TestRolesAreEnforced(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/trips/request", "", "", tripRequest)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "forbidden", decodeBody[errorBody](t, rr).Error)

	rr = ts.do(t, http.MethodPost, "/trips/request", "d1", "driver", tripRequest)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodGet, "/admin/trips", "p1", "passenger", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodGet, "/admin/trips", "ops1", "Admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestTripFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/drivers/presence/online", "d1", "driver",
		map[string]any{"lat": 0.001, "lng": 0.001, "vehicle_category": "CAR"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/trips/request", "p1", "passenger", tripRequest)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	trip := decodeBody[models.Trip](t, rr)
	assert.Equal(t, models.StatusBidding, trip.Status)
	assert.Equal(t, "p1", trip.PassengerID)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/bids", "d1", "driver",
		map[string]any{"price_offer": trip.PriceBase, "eta_to_pickup_minutes": 4})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	bid := decodeBody[models.Bid](t, rr)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/accept-bid", "p1", "passenger",
		map[string]any{"bid_id": bid.ID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusMatched, decodeBody[models.Trip](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/driver/en-route", "d1", "driver", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/driver/arrived", "d1", "driver", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	otpEvents := ts.rec.Named("trip.otp.generated")
	require.Len(t, otpEvents, 1)
	code := otpEvents[0].Payload.(map[string]any)["code"].(string)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/driver/verify-otp", "d1", "driver",
		map[string]any{"code": "not-a-code"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/driver/verify-otp", "d1", "driver",
		map[string]any{"code": code})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusInProgress, decodeBody[models.Trip](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/location", "d1", "driver",
		map[string]any{"lat": 0.01, "lng": 0})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/location", "d1", "driver",
		map[string]any{"lat": 0.011, "lng": 0})
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decodeBody[errorBody](t, rr).Error)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/complete", "d1", "driver", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusCompleted, decodeBody[models.Trip](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/rate", "p1", "passenger",
		map[string]any{"rating": 5, "comment": "smooth"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/rate", "p1", "passenger",
		map[string]any{"rating": 4})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/admin/trips/"+trip.ID, "ops1", "sos", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decodeBody[engine.TripDetail](t, rr)
	assert.Equal(t, models.StatusCompleted, detail.Trip.Status)
	assert.Len(t, detail.Bids, 1)
	assert.Len(t, detail.Locations, 1)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, "/admin/trips/missing", "ops1", "admin", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, rr).Error)

	rr = ts.do(t, http.MethodGet, "/admin/trips?limit=abc", "ops1", "admin", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/trips/request", bytes.NewBufferString("{not json"))
	req.Header.Set("X-User-ID", "p1")
	req.Header.Set("X-User-Roles", "passenger")
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody[errorBody](t, rec).Error)

	rr = ts.do(t, http.MethodPost, "/trips/request", "p1", "passenger", tripRequest)
	trip := decodeBody[models.Trip](t, rr)
	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/driver/en-route", "d1", "driver", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/cancel", "p1", "passenger",
		map[string]any{"reason": "CHANGED_PLANS"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusCancelledByPass, decodeBody[models.Trip](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/trips/"+trip.ID+"/cancel", "p1", "passenger",
		map[string]any{"reason": "CHANGED_PLANS"})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "invalid_transition", decodeBody[errorBody](t, rr).Error)
}

func TestWebsocketRequiresParticipant(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/trips/request", "p1", "passenger", tripRequest)
	trip := decodeBody[models.Trip](t, rr)

	rr = ts.do(t, http.MethodGet, "/ws?trip_id="+trip.ID, "p2", "passenger", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodGet, "/ws", "", "", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodGet, "/ws?trip_id=missing", "p1", "passenger", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	ts.srv.ServeHTTP(rr, req)
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
}
