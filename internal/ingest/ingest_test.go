package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/safety"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestEventPublisherKeysByAudience(t *testing.T) {
	w := &fakeWriter{}
	p := NewEventPublisher(w)
	require.NoError(t, p.Emit(context.Background(), dispatch.Trip("t1"), "trip.matched", map[string]any{"driver_id": "d1"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "trip:t1", string(w.msgs[0].Key))

	var ev dispatch.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "trip.matched", ev.Name)
	assert.Equal(t, "trip:t1", ev.Audience)

	w.err = errors.New("broker down")
	assert.Error(t, p.Emit(context.Background(), dispatch.Ops(), "trip.safety.tracking_lost", nil))
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestOutcomePublisher(t *testing.T) {
	outcomes, alerts := &fakeWriter{}, &fakeWriter{}
	p := NewOutcomePublisher(outcomes, alerts)
	ctx := context.Background()

	require.NoError(t, p.TripCompleted(ctx, models.TripOutcome{TripID: "t1", Status: models.StatusCompleted, PriceFinal: 2000}))
	require.NoError(t, p.TripCancelled(ctx, models.TripOutcome{TripID: "t2", Penalty: models.PenaltyStrong}))
	require.NoError(t, p.SafetyAlert(ctx, safety.Alert{Kind: safety.AlertTrackingLost, TripID: "t3", At: time.Now()}))

	require.Len(t, outcomes.msgs, 2)
	var m map[string]any
	require.NoError(t, json.Unmarshal(outcomes.msgs[1].Value, &m))
	assert.Equal(t, "cancelled", m["kind"])
	assert.Equal(t, "strong", m["penalty"])
	assert.Equal(t, "t2", string(outcomes.msgs[1].Key))

	require.Len(t, alerts.msgs, 1)
	assert.Equal(t, "t3", string(alerts.msgs[0].Key))
	require.NoError(t, p.Close())
}

func TestDecodePresence(t *testing.T) {
	p, err := DecodePresence([]byte(`{"driver_id":"d1","lat":48.85,"lng":2.35,"vehicle_category":"CAR","sent_at":"2024-01-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.True(t, p.Online)
	assert.Equal(t, models.Coord{Lat: 48.85, Lon: 2.35}, p.Loc)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), p.LastSeenAt)

	p, err = DecodePresence([]byte(`{"driver_id":"d1","lat":1,"lng":1,"online":false}`))
	require.NoError(t, err)
	assert.False(t, p.Online)

	for _, bad := range []string{`nope`, `{"lat":1}`, `{"driver_id":"d","lat":91}`, `{"driver_id":"d","vehicle_category":"BUS"}`} {
		_, err := DecodePresence([]byte(bad))
		assert.Error(t, err, bad)
	}
}
