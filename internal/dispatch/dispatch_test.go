package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseAudience(t *testing.T) {
	for _, a := range []Audience{Trip("t1"), Driver("d1"), User("u1"), Ops()} {
		got, err := ParseAudience(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	assert.Equal(t, "trip:t1", Trip("t1").String())
	assert.Equal(t, "ops", Ops().String())
	for _, bad := range []string{"", "trip:", "fleet:1", "driver"} {
		_, err := ParseAudience(bad)
		assert.Error(t, err, bad)
	}
}

type failingEmitter struct{}

func (failingEmitter) Emit(context.Context, Audience, string, any) error { return errors.New("down") }

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	f := Fanout{a, failingEmitter{}, nil, b}
	err := f.Emit(context.Background(), Trip("t1"), "trip.created", map[string]any{"id": "t1"})
	assert.Error(t, err)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, "trip:t1", b.Events()[0].Audience)
}

func TestRecorderFilters(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	_ = r.Emit(ctx, Trip("t1"), "trip.matched", nil)
	_ = r.Emit(ctx, Driver("d1"), "trip.matched", nil)
	_ = r.Emit(ctx, Trip("t1"), "trip.started", nil)
	assert.Len(t, r.Named("trip.matched"), 2)
	assert.Len(t, r.To(Trip("t1")), 2)
	r.Reset()
	assert.Empty(t, r.Events())
}

func dialHub(t *testing.T, hub *Hub, rooms ...Audience) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, rooms)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Members(rooms[0]) > 0 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestHubDeliversToRoom(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := dialHub(t, hub, Trip("t1"), User("u1"))

	n := hub.Deliver(context.Background(), Trip("t1"), "trip.started", map[string]any{"trip_id": "t1"})
	assert.Equal(t, 1, n)
	assert.Zero(t, hub.Deliver(context.Background(), Trip("other"), "trip.started", nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "trip.started", ev.Name)
	assert.Equal(t, "trip:t1", ev.Audience)

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Members(Trip("t1")) == 0 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, hub.Members(User("u1")))
}

func TestPushEmitterFallsBackWhenOffline(t *testing.T) {
	var got map[string]any
	var auth string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer gw.Close()

	hub := NewHub(quietLogger())
	p := NewPushEmitter(gw.URL, "secret", hub)
	require.NoError(t, p.Emit(context.Background(), Driver("d1"), "trip.bidding.started", map[string]any{"trip_id": "t1"}))
	assert.Equal(t, "Bearer secret", auth)
	msg, ok := got["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "driver:d1", msg["topic"])

	got = nil
	require.NoError(t, p.Emit(context.Background(), Trip("t1"), "trip.created", nil))
	assert.Nil(t, got, "trip rooms are never pushed")
}

func TestPushEmitterPrefersWebsocket(t *testing.T) {
	called := false
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer gw.Close()

	hub := NewHub(quietLogger())
	conn := dialHub(t, hub, Driver("d1"))
	p := NewPushEmitter(gw.URL, "", hub)
	require.NoError(t, p.Emit(context.Background(), Driver("d1"), "trip.matched", nil))
	assert.False(t, called)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "trip.matched", ev.Name)
}

func TestPushEmitterReportsGatewayFailure(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gw.Close()
	p := NewPushEmitter(gw.URL, "", nil)
	assert.Error(t, p.Emit(context.Background(), User("u1"), "trip.otp.generated", nil))
}
