package safety

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestThrottle(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewThrottle(2 * time.Second)
	key := ThrottleKey("t1", "d1")

	assert.True(t, th.Allow(key, start))
	assert.False(t, th.Allow(key, start.Add(500*time.Millisecond)))
	assert.True(t, th.Allow(key, start.Add(2*time.Second)))
	assert.True(t, th.Allow(ThrottleKey("t1", "d2"), start.Add(2*time.Second)), "keys are independent")

	th.Forget(key)
	assert.True(t, th.Allow(key, start.Add(2100*time.Millisecond)))

	assert.Equal(t, 2, th.Prune(start.Add(time.Hour), time.Minute))
	assert.Zero(t, th.Len())
}

func TestThrottleTakeUndo(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewThrottle(2 * time.Second)

	undo, ok := th.Take("t1:d1", start)
	require.True(t, ok)
	undo()
	_, ok = th.Take("t1:d1", start.Add(500*time.Millisecond))
	assert.True(t, ok, "an undone event leaves the slot free")

	undo, ok = th.Take("t1:d1", start.Add(3*time.Second))
	require.True(t, ok)
	undo()
	_, ok = th.Take("t1:d1", start.Add(2400*time.Millisecond))
	assert.False(t, ok, "undo falls back to the previous accepted event")

	_, ok = th.Take("t1:d1", start.Add(2500*time.Millisecond))
	assert.True(t, ok)
}

func TestThrottleConcurrentAdmitsOne(t *testing.T) {
	th := NewThrottle(2 * time.Second)
	now := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Allow("t:d", now) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed)
}

var baseline = []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0.05, Lon: 0}}

func TestObserveSustainedDeviation(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := models.SafetyState{TripID: "t1", Baseline: baseline}
	off := models.Coord{Lat: 0.01, Lon: 0.01} // ~1.1 km east of the route

	st, alerts := m.Observe(st, off, now, true)
	assert.Empty(t, alerts, "a single far ping is not sustained")
	require.NotNil(t, st.DeviationStartedAt)
	assert.Greater(t, st.LastDeviationM, 1000.0)

	st, alerts = m.Observe(st, off, now.Add(30*time.Second), true)
	assert.Empty(t, alerts)

	st, alerts = m.Observe(st, off, now.Add(60*time.Second), true)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRouteDeviation, alerts[0].Kind)
	assert.Equal(t, "major", alerts[0].Severity)

	st, alerts = m.Observe(st, off, now.Add(90*time.Second), true)
	assert.Empty(t, alerts, "one alert per episode")

	st, _ = m.Observe(st, models.Coord{Lat: 0.02, Lon: 0}, now.Add(100*time.Second), true)
	assert.Nil(t, st.DeviationStartedAt)
	assert.Nil(t, st.MajorAlertedAt)
}

func TestObserveSkipsDeviationOutsideProgress(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	now := time.Now()
	st := models.SafetyState{TripID: "t1", Baseline: baseline}
	st, alerts := m.Observe(st, models.Coord{Lat: 0.01, Lon: 0.5}, now, false)
	assert.Empty(t, alerts)
	assert.Nil(t, st.DeviationStartedAt)
	require.NotNil(t, st.LastSeenAt)

	st = models.SafetyState{TripID: "t1", Baseline: baseline[:1]}
	st, _ = m.Observe(st, models.Coord{Lat: 0.01, Lon: 0.5}, now, true)
	assert.Nil(t, st.DeviationStartedAt, "a single-point baseline is not a route")
}

func TestObserveGeofence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Zones = []Zone{{
		Name:       "airport",
		Restricted: true,
		Polygon:    []models.Coord{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 2}, {Lat: 2, Lon: 2}, {Lat: 2, Lon: 1}},
	}}
	m := NewMonitor(cfg)
	now := time.Now()
	st := models.SafetyState{TripID: "t1"}

	st, alerts := m.Observe(st, models.Coord{Lat: 1.5, Lon: 1.5}, now, true)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertGeofence, alerts[0].Kind)
	assert.Equal(t, "airport", st.Zone)

	st, alerts = m.Observe(st, models.Coord{Lat: 1.6, Lon: 1.5}, now.Add(2*time.Second), true)
	assert.Empty(t, alerts, "staying inside does not re-alert")

	st, _ = m.Observe(st, models.Coord{Lat: 3, Lon: 3}, now.Add(4*time.Second), true)
	assert.Empty(t, st.Zone)
}

func TestCheckStale(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := models.SafetyState{TripID: "t1"}

	_, alert := m.CheckStale(st, started, started.Add(45*time.Second))
	assert.Nil(t, alert)

	st, alert = m.CheckStale(st, started, started.Add(46*time.Second))
	require.NotNil(t, alert)
	assert.Equal(t, AlertTrackingLost, alert.Kind)
	require.NotNil(t, st.StaleAlertedAt)

	_, alert = m.CheckStale(st, started, started.Add(90*time.Second))
	assert.Nil(t, alert, "already alerted for this silence")

	st, _ = m.Observe(st, models.Coord{}, started.Add(100*time.Second), true)
	assert.Nil(t, st.StaleAlertedAt, "a fresh ping re-arms the alert")
	_, alert = m.CheckStale(st, started, started.Add(146*time.Second))
	assert.NotNil(t, alert)
}

func TestCheckStaleIgnoresPingsBeforeStart(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	enRoute := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	started := enRoute.Add(5 * time.Minute)
	st, _ := m.Observe(models.SafetyState{TripID: "t1"}, models.Coord{}, enRoute, false)

	_, alert := m.CheckStale(st, started, started.Add(10*time.Second))
	assert.Nil(t, alert)
	_, alert = m.CheckStale(st, started, started.Add(46*time.Second))
	assert.NotNil(t, alert)
}
