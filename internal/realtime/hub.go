package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
)

// ErrNotConnected means the driver has no live socket; callers fall back to
// push delivery.
var ErrNotConnected = errors.New("no live connection")

// Dispatch is the slice of the session engine the hub drives.
type Dispatch interface {
	AcceptOffer(ctx context.Context, driverID, sessionID string) error
	RejectOffer(ctx context.Context, driverID, sessionID, reason string) error
	Cancel(ctx context.Context, sessionID, by, reason string) error
	DriverOffline(ctx context.Context, driverID string)
	ResyncDriver(ctx context.Context, driverID string) []session.Event
	Snapshot(sessionID string) (session.Snapshot, bool)
}

// LocationSink mirrors location updates into the ingest pipeline.
type LocationSink interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    int
	SendBuffer        int
}

// Hub multiplexes every live rider and driver socket, maps connection to
// identity to subscribed sessions, and routes session events to the right
// sockets. It is the engine's Publisher and its primary DriverNotifier.
type Hub struct {
	Cfg      Config
	Engine   Dispatch
	Geo      geo.Geo
	Verifier TokenVerifier
	Ingest   LocationSink // optional
	Logger   *slog.Logger

	mu      sync.RWMutex
	drivers map[string]*Conn               // driverID -> latest connection
	subs    map[string]map[*Conn]struct{}  // sessionID -> subscribers

	upgrader websocket.Upgrader
}

func NewHub(cfg Config, engine Dispatch, g geo.Geo, verifier TokenVerifier, ingest LocationSink, logger *slog.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.HeartbeatGrace < 2 {
		cfg.HeartbeatGrace = 3
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &Hub{
		Cfg:      cfg,
		Engine:   engine,
		Geo:      g,
		Verifier: verifier,
		Ingest:   ingest,
		Logger:   logger,
		drivers:  make(map[string]*Conn),
		subs:     make(map[string]map[*Conn]struct{}),
	}
}

// Conn is one live socket. All writes go through the send channel and the
// single writer goroutine, so no write mutex is needed.
type Conn struct {
	id       string
	identity Identity
	ws       *websocket.Conn
	send     chan session.Event
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	subscribed map[string]struct{}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// ServeDriver upgrades a driver connection. An invalid token refuses the
// connection before any session state is visible.
func (h *Hub) ServeDriver(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RoleDriver)
}

// ServeCustomer upgrades a rider connection.
func (h *Hub) ServeCustomer(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RoleRider)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, want Role) {
	id, err := h.authenticate(r)
	if err != nil || id.Role != want {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		id:         uuid.NewString(),
		identity:   id,
		ws:         ws,
		send:       make(chan session.Event, h.Cfg.SendBuffer),
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
	}
	h.register(c)
	observability.WSConnections.WithLabelValues(string(id.Role)).Inc()
	h.logger().Info("connection opened", "role", id.Role, "user_id", id.UserID, "conn_id", c.id)

	go h.writeLoop(c)
	if id.Role == RoleDriver {
		// replay any mid-offer or assigned state lost to a network blip
		for _, ev := range h.Engine.ResyncDriver(r.Context(), id.UserID) {
			h.enqueue(c, ev)
		}
	}
	go h.readLoop(c)
}

func (h *Hub) authenticate(r *http.Request) (Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	return h.Verifier.Verify(token)
}

func (h *Hub) register(c *Conn) {
	if c.identity.Role != RoleDriver {
		return
	}
	h.mu.Lock()
	old := h.drivers[c.identity.UserID]
	h.drivers[c.identity.UserID] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if c.identity.Role == RoleDriver && h.drivers[c.identity.UserID] == c {
		delete(h.drivers, c.identity.UserID)
	}
	c.mu.Lock()
	for sid := range c.subscribed {
		if set, ok := h.subs[sid]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, sid)
			}
		}
	}
	c.mu.Unlock()
	h.mu.Unlock()
	c.close()
	observability.WSConnections.WithLabelValues(string(c.identity.Role)).Dec()
}

// PublishToSession implements session.Publisher. Zero subscribers is a
// no-op; events are a live notification layer, not a durable log, so a full
// client buffer drops the event rather than blocking the engine.
func (h *Hub) PublishToSession(sessionID string, ev session.Event) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.subs[sessionID]))
	for c := range h.subs[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.enqueue(c, ev)
	}
}

// NotifyDriver implements session.DriverNotifier over the live socket.
func (h *Hub) NotifyDriver(ctx context.Context, driverID string, ev session.Event) error {
	h.mu.RLock()
	c := h.drivers[driverID]
	h.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrNotConnected
	}
}

func (h *Hub) enqueue(c *Conn, ev session.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		h.logger().Warn("send buffer full, dropping event",
			"conn_id", c.id, "user_id", c.identity.UserID, "type", ev.Type)
	}
}

func (h *Hub) readLoop(c *Conn) {
	defer func() {
		h.unregister(c)
		h.logger().Info("connection closed", "role", c.identity.Role, "user_id", c.identity.UserID, "conn_id", c.id)
	}()
	grace := time.Duration(h.Cfg.HeartbeatGrace) * h.Cfg.HeartbeatInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(grace))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(grace))
	})
	for {
		var msg inboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(grace))
		h.handleMessage(c, msg)
	}
}

func (h *Hub) writeLoop(c *Conn) {
	ping := time.NewTicker(h.Cfg.HeartbeatInterval)
	defer ping.Stop()
	for {
		select {
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
