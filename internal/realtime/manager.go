package realtime

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/config"
)

// Options bounds one WebSocket connection. Zero values take the
// kernel defaults.
type Options struct {
	SendQueue    int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	def := config.Default().Realtime
	if o.SendQueue <= 0 {
		o.SendQueue = def.SendQueue
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	return o
}

// FromConfig converts the kernel realtime section into hub options.
func FromConfig(rc config.RealtimeConfig) Options {
	return Options{
		SendQueue:    rc.SendQueue,
		PingInterval: rc.PingInterval,
		PongWait:     rc.PongWait,
		WriteWait:    rc.WriteWait,
		ReadLimit:    rc.ReadLimit,
	}.withDefaults()
}

// Manager owns one hub per site, created lazily on first use and torn
// down when the site is deleted.
type Manager struct {
	opts     Options
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	hubs map[string]*Hub
}

// NewManager builds a hub manager with the given connection options.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8 * 1024,
			WriteBufferSize: 8 * 1024,
			CheckOrigin:     checkOrigin,
		},
		hubs: make(map[string]*Hub),
	}
}

// GetHub returns the hub for siteID, creating and starting it when the
// site has no hub yet.
func (m *Manager) GetHub(siteID string) *Hub {
	m.mu.RLock()
	h, ok := m.hubs[siteID]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[siteID]; ok {
		return h
	}
	h = newHub(siteID, m.opts)
	m.hubs[siteID] = h
	log.Debug().Str("site", siteID).Msg("Started realtime hub")
	return h
}

// Hub returns the hub for siteID without creating one.
func (m *Manager) Hub(siteID string) (*Hub, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hubs[siteID]
	return h, ok
}

// RemoveHub stops and discards the hub of siteID, disconnecting its
// clients. Part of app deletion.
func (m *Manager) RemoveHub(siteID string) {
	m.mu.Lock()
	h, ok := m.hubs[siteID]
	delete(m.hubs, siteID)
	m.mu.Unlock()
	if ok {
		h.Stop()
		log.Info().Str("site", siteID).Msg("Stopped realtime hub")
	}
}

// HubCount reports how many hubs are live.
func (m *Manager) HubCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hubs)
}

// ClientCount reports connected clients across all hubs.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, h := range m.hubs {
		total += h.ClientCount()
	}
	return total
}

// Shutdown stops every hub.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	hubs := m.hubs
	m.hubs = make(map[string]*Hub)
	m.mu.Unlock()
	for _, h := range hubs {
		h.Stop()
	}
}

// ServeWS upgrades an HTTP request into a hub connection for siteID.
// Channels named in the ?channels= query parameter are subscribed before
// the first frame is exchanged, so clients can skip the subscribe
// round-trip.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, siteID string) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug().Err(err).Str("site", siteID).Msg("WebSocket upgrade rejected")
		return
	}

	h := m.GetHub(siteID)
	c := newClient(h, conn)
	if !h.add(c) {
		conn.Close()
		return
	}

	for _, name := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.subscribe(c, name)
		}
	}

	go c.writePump()
	go c.readPump()
}
