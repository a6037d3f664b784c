package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
)

type fakeDispatch struct {
	mu        sync.Mutex
	accepts   []string
	rejects   []string
	cancels   []string
	offline   []string
	acceptErr error
	snap      session.Snapshot
	snapOK    bool
	resync    []session.Event
}

func (f *fakeDispatch) AcceptOffer(ctx context.Context, driverID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, driverID+"/"+sessionID)
	return f.acceptErr
}

func (f *fakeDispatch) RejectOffer(ctx context.Context, driverID, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, driverID+"/"+sessionID)
	return nil
}

func (f *fakeDispatch) Cancel(ctx context.Context, sessionID, by, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sessionID+"/"+by)
	return nil
}

func (f *fakeDispatch) DriverOffline(ctx context.Context, driverID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, driverID)
}

func (f *fakeDispatch) ResyncDriver(ctx context.Context, driverID string) []session.Event {
	return f.resync
}

func (f *fakeDispatch) Snapshot(sessionID string) (session.Snapshot, bool) {
	return f.snap, f.snapOK
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type hubEnv struct {
	hub      *Hub
	dispatch *fakeDispatch
	geo      *geo.Index
	srv      *httptest.Server
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	env := &hubEnv{dispatch: &fakeDispatch{}, geo: geo.NewIndex()}
	env.hub = NewHub(Config{HeartbeatInterval: time.Second, HeartbeatGrace: 3},
		env.dispatch, env.geo, StaticVerifier{Secret: "s3cret"}, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/driver", env.hub.ServeDriver)
	mux.HandleFunc("/ws/customer", env.hub.ServeCustomer)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (env *hubEnv) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + path + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"type": msgType, "payload": payload}))
}

func readEvent(t *testing.T, ws *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

// barrier waits for a pong, guaranteeing every message sent before the ping
// has been handled (the read loop is sequential per connection).
func barrier(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, MsgPing, nil)
	for {
		if ev := readEvent(t, ws); ev.Type == MsgPong {
			return
		}
	}
}

func TestUnauthenticatedUpgradeIsRefused(t *testing.T) {
	env := newHubEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/driver?token=driver:d1:wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRiderTokenCannotOpenDriverSocket(t *testing.T) {
	env := newHubEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/driver?token=rider:r1:s3cret"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDriverGoOnlineAndOfferDelivery(t *testing.T) {
	env := newHubEnv(t)
	ws := env.dial(t, "/ws/driver", "driver:d1:s3cret")

	send(t, ws, MsgGoOnline, map[string]any{"service_mode": "ride", "lat": 1.0, "lng": 2.0})

	require.Eventually(t, func() bool {
		return env.geo.IsOnline(context.Background(), "d1")
	}, time.Second, 10*time.Millisecond)

	err := env.hub.NotifyDriver(context.Background(), "d1", session.Event{
		Type:    session.EvRideOffer,
		Payload: session.RideOfferPayload{SessionID: "s1", OfferID: "o1"},
	})
	require.NoError(t, err)

	ev := readEvent(t, ws)
	require.Equal(t, session.EvRideOffer, ev.Type)
}

func TestNotifyDriverWithoutConnection(t *testing.T) {
	env := newHubEnv(t)
	err := env.hub.NotifyDriver(context.Background(), "ghost", session.Event{Type: session.EvRideOffer})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRiderSubscribeGetsSnapshotThenLiveEvents(t *testing.T) {
	env := newHubEnv(t)
	env.dispatch.snap = session.Snapshot{
		SessionID: "s1", RiderID: "r1", Status: session.StatusSearching,
	}
	env.dispatch.snapOK = true

	ws := env.dial(t, "/ws/customer", "rider:r1:s3cret")
	send(t, ws, MsgSubscribeSession, map[string]any{"session_id": "s1"})

	ev := readEvent(t, ws)
	require.Equal(t, session.EvSessionStarted, ev.Type)
	var started session.SessionStartedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &started))
	require.Equal(t, session.StatusSearching, started.Status)

	env.hub.PublishToSession("s1", session.Event{
		Type:    session.EvDriverAssigned,
		Payload: session.DriverAssignedPayload{SessionID: "s1"},
	})
	ev = readEvent(t, ws)
	require.Equal(t, session.EvDriverAssigned, ev.Type)
}

func TestSubscribeForeignSessionLeaksNothing(t *testing.T) {
	env := newHubEnv(t)
	env.dispatch.snap = session.Snapshot{SessionID: "s1", RiderID: "someone-else"}
	env.dispatch.snapOK = true

	ws := env.dial(t, "/ws/customer", "rider:r1:s3cret")
	send(t, ws, MsgSubscribeSession, map[string]any{"session_id": "s1"})

	ev := readEvent(t, ws)
	require.Equal(t, session.EvError, ev.Type)
	var p session.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "unknown_session", p.Code, "foreign and missing sessions must be indistinguishable")
}

func TestPublishWithZeroSubscribersIsNoOp(t *testing.T) {
	env := newHubEnv(t)
	env.hub.PublishToSession("nobody-listening", session.Event{Type: session.EvNoDriversFound})
}

func TestDriverResyncOnReconnect(t *testing.T) {
	env := newHubEnv(t)
	env.dispatch.resync = []session.Event{{
		Type:    session.EvRideOffer,
		Payload: session.RideOfferPayload{SessionID: "s1", OfferID: "o1"},
	}}

	ws := env.dial(t, "/ws/driver", "driver:d1:s3cret")
	ev := readEvent(t, ws)
	require.Equal(t, session.EvRideOffer, ev.Type, "mid-offer state must be replayed on reconnect")
}

func TestDriverMessageOnRiderConnectionIsViolation(t *testing.T) {
	env := newHubEnv(t)
	ws := env.dial(t, "/ws/customer", "rider:r1:s3cret")
	send(t, ws, MsgAcceptOffer, map[string]any{"session_id": "s1"})

	ev := readEvent(t, ws)
	require.Equal(t, session.EvError, ev.Type)
	var p session.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "protocol_violation", p.Code)
}

func TestLateAcceptGetsTypedErrorAndConnectionStaysOpen(t *testing.T) {
	env := newHubEnv(t)
	env.dispatch.acceptErr = session.ErrOfferResolved

	ws := env.dial(t, "/ws/driver", "driver:d1:s3cret")
	send(t, ws, MsgAcceptOffer, map[string]any{"session_id": "s1"})

	ev := readEvent(t, ws)
	require.Equal(t, session.EvError, ev.Type)
	var p session.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "offer_expired", p.Code)

	// connection must survive a protocol-level error
	send(t, ws, MsgPing, nil)
	ev = readEvent(t, ws)
	require.Equal(t, MsgPong, ev.Type)
}

func TestLocationUpdateKeepsAdvertisedClass(t *testing.T) {
	env := newHubEnv(t)
	ws := env.dial(t, "/ws/driver", "driver:d1:s3cret")

	send(t, ws, MsgGoOnline, map[string]any{
		"service_mode": "ride", "vehicle_class": "economy", "lat": 0.001, "lng": 0.0,
	})
	send(t, ws, MsgUpdateLocation, map[string]any{"lat": 0.002, "lng": 0.0})
	barrier(t, ws)

	res, err := env.geo.QueryNearby(context.Background(), models.Coord{}, 1000, 10,
		geo.Filter{VehicleClass: models.ClassEconomy})
	require.NoError(t, err)
	require.Len(t, res, 1, "a routine location update must not drop the driver from class-filtered dispatch")
	require.Equal(t, "d1", res[0].Driver.ID)
	require.Equal(t, 0.002, res[0].Driver.Loc.Lat)
	require.Equal(t, models.ClassEconomy, res[0].Driver.VehicleClass)
}

func TestLocationUpdateAfterGoOfflineStaysOffline(t *testing.T) {
	env := newHubEnv(t)
	ws := env.dial(t, "/ws/driver", "driver:d1:s3cret")

	send(t, ws, MsgGoOnline, map[string]any{"service_mode": "ride", "lat": 0.001, "lng": 0.0})
	send(t, ws, MsgGoOffline, nil)
	// jitter-delayed position report landing after the offline transition
	send(t, ws, MsgUpdateLocation, map[string]any{"lat": 0.002, "lng": 0.0})
	barrier(t, ws)

	require.False(t, env.geo.IsOnline(context.Background(), "d1"),
		"a trailing location update must not flip the driver back online")
	res, err := env.geo.QueryNearby(context.Background(), models.Coord{}, 1000, 10, geo.Filter{})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestGoOfflineVoidsPendingOffer(t *testing.T) {
	env := newHubEnv(t)
	ws := env.dial(t, "/ws/driver", "driver:d1:s3cret")
	send(t, ws, MsgGoOnline, map[string]any{"service_mode": "ride", "lat": 1.0, "lng": 2.0})
	send(t, ws, MsgGoOffline, nil)

	require.Eventually(t, func() bool {
		env.dispatch.mu.Lock()
		defer env.dispatch.mu.Unlock()
		return len(env.dispatch.offline) == 1 && env.dispatch.offline[0] == "d1"
	}, time.Second, 10*time.Millisecond)
	require.False(t, env.geo.IsOnline(context.Background(), "d1"))
}
