package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eligibility"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/storage"
)

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeHooks struct {
	mu        sync.Mutex
	completed []models.TripOutcome
	cancelled []models.TripOutcome
	alerts    []safety.Alert
	settled   []models.TripOutcome
}

func (h *fakeHooks) TripCompleted(_ context.Context, out models.TripOutcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, out)
	return nil
}

func (h *fakeHooks) TripCancelled(_ context.Context, out models.TripOutcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, out)
	return nil
}

func (h *fakeHooks) SafetyAlert(_ context.Context, a safety.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a)
	return nil
}

func (h *fakeHooks) Settle(_ context.Context, out models.TripOutcome) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settled = append(h.settled, out)
	return "pi_" + out.TripID, nil
}

type fakeEligibility map[string]eligibility.Result

func (f fakeEligibility) Check(_ context.Context, id string) (eligibility.Result, error) {
	if id == "d-broken" {
		return eligibility.Result{}, errors.New("score service down")
	}
	return f[id], nil
}

type fixture struct {
	svc   *Service
	repo  *storage.MemoryStore
	rec   *dispatch.Recorder
	clk   *clock.Fake
	hooks *fakeHooks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  storage.NewMemoryStore(),
		rec:   &dispatch.Recorder{},
		clk:   clock.NewFake(start),
		hooks: &fakeHooks{},
	}
	f.svc = New(Deps{
		Repo:     f.repo,
		Presence: geo.NewIndex(),
		Emitter:  f.rec,
		Clock:    f.clk,
		Eligibility: fakeEligibility{
			"d-blocked": {Blocked: true},
			"d-limited": {Limited: true},
		},
		Outcomes:   f.hooks,
		Safety:     f.hooks,
		Settlement: f.hooks,
	}, DefaultOptions())
	return f
}

var (
	origin      = models.Place{Coord: models.Coord{Lat: 0, Lon: 0}, Address: "Gare"}
	destination = models.Place{Coord: models.Coord{Lat: 0.05, Lon: 0}, Address: "Port"}
)

func (f *fixture) online(t *testing.T, driverID string) {
	t.Helper()
	_, err := f.svc.PresenceOnline(context.Background(), driverID, 0.001, 0.001, models.VehicleCar)
	require.NoError(t, err)
}

func (f *fixture) request(t *testing.T, passengerID string) models.Trip {
	t.Helper()
	trip, err := f.svc.RequestTrip(context.Background(), RequestTripInput{
		PassengerID:     passengerID,
		Origin:          origin,
		Destination:     destination,
		VehicleCategory: models.VehicleCar,
	})
	require.NoError(t, err)
	return trip
}

func (f *fixture) bid(t *testing.T, tripID, driverID string, price int64, eta int) models.Bid {
	t.Helper()
	b, err := f.svc.CreateBid(context.Background(), CreateBidInput{DriverID: driverID, TripID: tripID, PriceOffer: price, EtaMinutes: &eta})
	require.NoError(t, err)
	return b
}

// matched returns a trip matched to d1 for passenger p1.
func (f *fixture) matched(t *testing.T) models.Trip {
	t.Helper()
	f.online(t, "d1")
	trip := f.request(t, "p1")
	b := f.bid(t, trip.ID, "d1", 2500, 4)
	trip, err := f.svc.AcceptBid(context.Background(), "p1", trip.ID, b.ID)
	require.NoError(t, err)
	return trip
}

func (f *fixture) code(t *testing.T, passengerID string) string {
	t.Helper()
	var code string
	for _, ev := range f.rec.To(dispatch.User(passengerID)) {
		if ev.Name == "trip.otp.generated" {
			code = ev.Payload.(map[string]any)["code"].(string)
		}
	}
	require.Len(t, code, 6)
	return code
}

// inProgress returns a started trip for p1 driven by d1.
func (f *fixture) inProgress(t *testing.T) models.Trip {
	t.Helper()
	ctx := context.Background()
	trip := f.matched(t)
	_, err := f.svc.DriverEnRoute(ctx, "d1", trip.ID)
	require.NoError(t, err)
	_, err = f.svc.DriverArrived(ctx, "d1", trip.ID)
	require.NoError(t, err)
	trip, err = f.svc.VerifyOtp(ctx, "d1", trip.ID, f.code(t, "p1"))
	require.NoError(t, err)
	return trip
}

func eventTypes(t *testing.T, repo storage.Repository, tripID string) []string {
	t.Helper()
	evs, err := repo.ListEvents(context.Background(), tripID)
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		out = append(out, evs[i].Type)
	}
	return out
}

func TestTripLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.online(t, "d1")
	trip := f.request(t, "p1")
	assert.Equal(t, models.StatusBidding, trip.Status)
	assert.Equal(t, int64(2850), trip.PriceBase)
	assert.Equal(t, start.Add(45*time.Second), trip.BiddingExpiresAt)
	require.Len(t, f.rec.To(dispatch.Driver("d1")), 1, "nearby driver is invited")

	b := f.bid(t, trip.ID, "d1", 2500, 4)
	trip, err := f.svc.AcceptBid(ctx, "p1", trip.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, trip.Status)
	assert.Equal(t, "d1", trip.DriverID)
	require.NotNil(t, trip.PriceFinal)
	assert.Equal(t, int64(2500), *trip.PriceFinal)

	_, err = f.svc.DriverEnRoute(ctx, "d1", trip.ID)
	require.NoError(t, err)
	_, err = f.svc.DriverArrived(ctx, "d1", trip.ID)
	require.NoError(t, err)
	for _, ev := range f.rec.To(dispatch.Trip(trip.ID)) {
		assert.NotEqual(t, "trip.otp.generated", ev.Name, "the code never reaches the trip room")
	}

	trip, err = f.svc.VerifyOtp(ctx, "d1", trip.ID, f.code(t, "p1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, trip.Status)
	require.NotNil(t, trip.StartedAt)

	f.clk.Advance(5 * time.Second)
	_, err = f.svc.TrackLocation(ctx, LocationInput{DriverID: "d1", TripID: trip.ID, Lat: 0.01, Lng: 0})
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	trip, err = f.svc.CompleteTrip(ctx, "d1", trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, trip.Status)

	require.NoError(t, f.svc.RateTrip(ctx, "p1", trip.ID, 5, "smooth ride"))
	err = f.svc.RateTrip(ctx, "p1", trip.ID, 4, "")
	assert.ErrorIs(t, err, apperrors.ErrValidation, "second rating")

	assert.Equal(t, []string{
		"trip.created", "trip.bidding.started", "trip.bid.received", "trip.matched",
		"trip.driver.en_route", "trip.arrived", "trip.otp.generated", "trip.started",
		"trip.completed", "trip.rated",
	}, eventTypes(t, f.repo, trip.ID))

	require.Len(t, f.hooks.completed, 1)
	assert.Equal(t, int64(2500), f.hooks.completed[0].PriceFinal)
	require.Len(t, f.hooks.settled, 1)
	assert.Zero(t, f.svc.Throttle().Len(), "throttle entry dropped on completion")

	got, err := f.repo.GetOTP(ctx, trip.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.VerifiedAt)
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PresenceOnline(ctx, "d-blocked", 1, 1, models.VehicleCar)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	res, err := f.svc.PresenceOnline(ctx, "d-limited", 1, 1, "")
	require.NoError(t, err)
	assert.True(t, res.Limited)
	assert.Equal(t, models.VehicleCar, res.Presence.VehicleCategory)

	_, err = f.svc.PresenceOnline(ctx, "d-broken", 1, 1, models.VehicleCar)
	assert.Error(t, err)

	_, err = f.svc.PresenceOnline(ctx, "d1", 91, 0, models.VehicleCar)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.PresenceOnline(ctx, "d1", 0, 0, "BUS")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.PresencePing(ctx, "ghost", 1, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	f.clk.Advance(10 * time.Second)
	p, err := f.svc.PresencePing(ctx, "d-limited", 1.5, 1.5)
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Second), p.LastSeenAt)
	assert.True(t, p.Online)

	require.NoError(t, f.svc.PresenceOffline(ctx, "d-limited"))
	require.NoError(t, f.svc.PresenceOffline(ctx, "never-seen"))
}

// offlineDuringRead takes the driver offline the first time the record is
// read, as a concurrent PresenceOffline would.
type offlineDuringRead struct {
	*geo.Index
	once sync.Once
}

func (r *offlineDuringRead) Get(ctx context.Context, id string) (models.DriverPresence, bool, error) {
	p, ok, err := r.Index.Get(ctx, id)
	r.once.Do(func() { _ = r.Index.SetOffline(ctx, id) })
	return p, ok, err
}

func TestPresencePingNeverRevivesOfflineDriver(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(start)
	idx := geo.NewIndex()
	require.NoError(t, idx.Upsert(ctx, models.DriverPresence{
		DriverID: "d1", Online: true, VehicleCategory: models.VehicleCar, LastSeenAt: start,
	}))
	reg := &offlineDuringRead{Index: idx}
	svc := New(Deps{Repo: storage.NewMemoryStore(), Presence: reg, Clock: clk}, DefaultOptions())

	clk.Advance(time.Second)
	_, err := svc.PresencePing(ctx, "d1", 0.5, 0.5)
	require.NoError(t, err)

	p, ok, err := idx.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, p.Online, "a concurrent offline wins over the ping")
	assert.Equal(t, 0.5, p.Loc.Lat)
	assert.Equal(t, start.Add(time.Second), p.LastSeenAt)
}

func TestRequestTripValidation(t *testing.T) {
	f := newFixture(t)
	neg := -1.0
	cases := map[string]RequestTripInput{
		"no passenger": {Origin: origin, Destination: destination},
		"bad origin":   {PassengerID: "p1", Origin: models.Place{Coord: models.Coord{Lat: 100}}, Destination: destination},
		"bad category": {PassengerID: "p1", Origin: origin, Destination: destination, VehicleCategory: "BUS"},
		"negative km":  {PassengerID: "p1", Origin: origin, Destination: destination, DistanceKm: &neg},
		"negative eta": {PassengerID: "p1", Origin: origin, Destination: destination, EtaMinutes: &neg},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RequestTrip(context.Background(), in)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	trips, err := f.repo.ListRecentTrips(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, trips, "rejected requests leave no trip")
	assert.Empty(t, f.rec.Events())
}

func TestRequestTripInvitesOnlyMatchingDrivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	_, err := f.svc.PresenceOnline(ctx, "d-moto", 0.001, 0.001, models.VehicleMoto)
	require.NoError(t, err)
	f.online(t, "d-stale")
	f.clk.Advance(31 * time.Second)
	_, err = f.svc.PresencePing(ctx, "d1", 0.001, 0.001)
	require.NoError(t, err)
	_, err = f.svc.PresencePing(ctx, "d-moto", 0.001, 0.001)
	require.NoError(t, err)

	f.request(t, "p1")
	assert.Len(t, f.rec.To(dispatch.Driver("d1")), 1)
	assert.Empty(t, f.rec.To(dispatch.Driver("d-moto")), "other category")
	assert.Empty(t, f.rec.To(dispatch.Driver("d-stale")), "not seen recently")
}

func TestCreateBidRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	trip := f.request(t, "p1")

	_, err := f.svc.CreateBid(ctx, CreateBidInput{DriverID: "offline", TripID: trip.ID, PriceOffer: 2000})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.svc.CreateBid(ctx, CreateBidInput{DriverID: "d1", TripID: trip.ID, PriceOffer: 1994})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.CreateBid(ctx, CreateBidInput{DriverID: "d1", TripID: trip.ID, PriceOffer: 5701})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	zero := 0
	_, err = f.svc.CreateBid(ctx, CreateBidInput{DriverID: "d1", TripID: trip.ID, PriceOffer: 2000, EtaMinutes: &zero})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	f.bid(t, trip.ID, "d1", 1995, 3)
	f.bid(t, trip.ID, "d1", 5700, 180)

	_, err = f.svc.CreateBid(ctx, CreateBidInput{DriverID: "d1", TripID: "missing", PriceOffer: 2000})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.CancelPassenger(ctx, "p1", trip.ID, models.ReasonChangedPlans)
	require.NoError(t, err)
	_, err = f.svc.CreateBid(ctx, CreateBidInput{DriverID: "d1", TripID: trip.ID, PriceOffer: 2000})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	bids, err := f.repo.ListBids(ctx, trip.ID)
	require.NoError(t, err)
	for _, b := range bids {
		assert.Equal(t, models.BidRejected, b.Status, "cancelling while bidding rejects pending bids")
	}
}

func TestAcceptBidRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	trip := f.request(t, "p1")
	other := f.request(t, "p2")
	b := f.bid(t, trip.ID, "d1", 2500, 4)
	foreign := f.bid(t, other.ID, "d1", 2500, 4)

	_, err := f.svc.AcceptBid(ctx, "p2", trip.ID, b.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = f.svc.AcceptBid(ctx, "p1", trip.ID, foreign.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.AcceptBid(ctx, "p1", trip.ID, "no-such-bid")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.AcceptBid(ctx, "p1", "no-such-trip", b.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.AcceptBid(ctx, "p1", trip.ID, b.ID)
	require.NoError(t, err)
	_, err = f.svc.AcceptBid(ctx, "p1", trip.ID, b.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	st, ok, err := f.repo.GetSafetyState(ctx, trip.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, st.Baseline, 2, "straight-line baseline stored at match time")
}

// bidOutage serves everything from the wrapped store except bids.
type bidOutage struct{ *storage.MemoryStore }

func (bidOutage) GetBid(context.Context, string) (models.Bid, error) {
	return models.Bid{}, errors.New("connection reset")
}

func TestAcceptBidStoreErrorIsNotValidation(t *testing.T) {
	f := newFixture(t)
	f.online(t, "d1")
	trip := f.request(t, "p1")
	b := f.bid(t, trip.ID, "d1", 2500, 4)

	svc := New(Deps{Repo: bidOutage{f.repo}, Presence: geo.NewIndex(), Clock: f.clk}, DefaultOptions())
	_, err := svc.AcceptBid(context.Background(), "p1", trip.ID, b.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, http.StatusInternalServerError, apperrors.HTTPStatus(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestTripDetailAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trip := f.matched(t)
	f.request(t, "p2")

	d, err := f.svc.TripDetail(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, trip.ID, d.Trip.ID)
	assert.Len(t, d.Bids, 1)
	require.NotEmpty(t, d.Events)
	assert.Equal(t, "trip.matched", d.Events[0].Type, "newest first")
	require.NotNil(t, d.Safety)

	_, err = f.svc.TripDetail(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	trips, err := f.svc.ListRecentTrips(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, trips, 2)
	trips, err = f.svc.ListRecentTrips(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, trips, 1)
}
