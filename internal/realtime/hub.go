// Package realtime gives every site its own WebSocket hub with named
// channels. Browsers connect to /ws on the site's subdomain, subscribe to
// channels, and receive messages that handlers publish through the
// fazt.realtime capability. Hubs are isolated per site; a broadcast can
// never cross from one site into another.
package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/metrics"
)

// Hub fans messages out to the clients of a single site. A hub runs one
// event loop that serializes joins, leaves, and whole-site broadcasts;
// channel-scoped operations touch the maps directly under mu.
type Hub struct {
	siteID string
	opts   Options

	mu       sync.RWMutex
	clients  map[string]*Client
	channels map[string]map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newHub(siteID string, opts Options) *Hub {
	h := &Hub{
		siteID:     siteID,
		opts:       opts,
		clients:    make(map[string]*Client),
		channels:   make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// SiteID reports which site this hub belongs to.
func (h *Hub) SiteID() string { return h.siteID }

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ClientConnected()
			log.Debug().Str("site", h.siteID).Str("client", c.ID).Int("clients", total).Msg("WebSocket client connected")

		case c := <-h.unregister:
			h.removeClient(c)

		case frame := <-h.broadcast:
			h.fanOutAll(frame)

		case <-h.stop:
			h.mu.Lock()
			for _, c := range h.clients {
				c.conn.Close()
				close(c.send)
				metrics.ClientDisconnected()
			}
			metrics.ChannelsClosed(len(h.channels))
			h.clients = make(map[string]*Client)
			h.channels = make(map[string]map[string]*Client)
			h.mu.Unlock()
			return
		}
	}
}

// removeClient detaches a client from every channel and releases its send
// queue. Channels left with no subscribers are deleted so the channel map
// never accumulates empty keys.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	for name := range c.channels {
		if set, ok := h.channels[name]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.channels, name)
				metrics.ChannelsClosed(1)
			}
		}
	}
	close(c.send)
	metrics.ClientDisconnected()
	log.Debug().Str("site", h.siteID).Str("client", c.ID).Msg("WebSocket client disconnected")
}

// drop hands a dead client to the event loop, falling through when the
// hub is already stopping.
func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[string]*Client)
		h.channels[channel] = set
		metrics.ChannelOpened()
	}
	set[c.ID] = c
	c.channels[channel] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.channels, channel)
	if set, ok := h.channels[channel]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.channels, channel)
			metrics.ChannelsClosed(1)
		}
	}
}

// BroadcastToChannel delivers data to every subscriber of channel and
// returns how many clients the frame was queued for. The frame is
// serialized once; slow clients with full queues are skipped rather than
// allowed to stall the rest.
func (h *Hub) BroadcastToChannel(channel string, data interface{}) int {
	frame := encodeMessage(outboundMessage{
		Type:      msgMessage,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})

	delivered, dropped := 0, 0
	h.mu.RLock()
	for _, c := range h.channels[channel] {
		if c.enqueue(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	h.mu.RUnlock()

	metrics.RecordBroadcast("channel", dropped)
	if dropped > 0 {
		log.Warn().Str("site", h.siteID).Str("channel", channel).Int("dropped", dropped).Msg("Dropped frames for slow WebSocket clients")
	}
	return delivered
}

// BroadcastAll delivers data to every client of the site regardless of
// subscriptions.
func (h *Hub) BroadcastAll(data interface{}) int {
	frame := encodeMessage(outboundMessage{
		Type:      msgMessage,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	return h.fanOutAll(frame)
}

func (h *Hub) fanOutAll(frame []byte) int {
	delivered, dropped := 0, 0
	h.mu.RLock()
	for _, c := range h.clients {
		if c.enqueue(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	h.mu.RUnlock()

	metrics.RecordBroadcast("all", dropped)
	if dropped > 0 {
		log.Warn().Str("site", h.siteID).Int("dropped", dropped).Msg("Dropped frames for slow WebSocket clients")
	}
	return delivered
}

// Subscribers lists the client IDs subscribed to channel, sorted for
// stable output.
func (h *Hub) Subscribers(channel string) []string {
	h.mu.RLock()
	set := h.channels[channel]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ChannelCount reports how many clients are subscribed to channel.
func (h *Hub) ChannelCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// ClientCount reports how many clients are connected to the hub.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Channels reports how many channels currently have subscribers.
func (h *Hub) Channels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// KickClient force-disconnects a client by ID, sending a close frame
// carrying the reason first. Returns false when no such client exists.
func (h *Hub) KickClient(id, reason string) bool {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	deadline := time.Now().Add(h.opts.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.conn.Close()
	log.Info().Str("site", h.siteID).Str("client", id).Str("reason", reason).Msg("Kicked WebSocket client")
	return true
}

// Stop shuts the hub down, closing every connection. Blocks until the
// event loop has drained. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
