package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Inbound message types accepted from browsers.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPong        = "pong"
)

// Outbound message types sent to browsers.
const (
	msgSubscribed   = "subscribed"
	msgUnsubscribed = "unsubscribed"
	msgMessage      = "message"
	msgPing         = "ping"
	msgError        = "error"
)

type inboundMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

type outboundMessage struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func encodeMessage(msg outboundMessage) []byte {
	frame, err := json.Marshal(msg)
	if err != nil {
		// Payloads arrive as json-compatible host values, so this only
		// trips on exotic data smuggled through an interface.
		return []byte(`{"type":"error","error":"encoding failure"}`)
	}
	return frame
}

// Client is one WebSocket connection attached to a site hub.
type Client struct {
	// ID is stable for the life of the connection and is what
	// subscriber listings and kicks refer to.
	ID string

	hub  *Hub
	conn *websocket.Conn

	// send carries pre-encoded frames. Enqueue is always non-blocking;
	// a full queue drops the frame for this client only.
	send chan []byte

	// channels is guarded by hub.mu.
	channels map[string]struct{}

	connectedAt time.Time
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:          uuid.NewString(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.opts.SendQueue),
		channels:    make(map[string]struct{}),
		connectedAt: time.Now(),
	}
}

// enqueue offers a frame to the client without blocking. Returns false
// when the client's queue is full and the frame was dropped.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(text string) {
	c.enqueue(encodeMessage(outboundMessage{Type: msgError, Error: text}))
}

// readDeadline is one full ping cycle plus the pong grace. A connection
// that misses a pong for PongWait past the ping is torn down.
func (c *Client) readDeadline() time.Time {
	return time.Now().Add(c.hub.opts.PingInterval + c.hub.opts.PongWait)
}

// readPump drains inbound frames until the connection dies, dispatching
// subscribe, unsubscribe, and pong messages. It owns the read side of the
// connection and triggers hub cleanup on exit.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(c.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.readDeadline())
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("site", c.hub.siteID).Str("client", c.ID).Msg("WebSocket closed unexpectedly")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}

		switch msg.Type {
		case msgSubscribe:
			if msg.Channel == "" {
				c.sendError("subscribe requires a channel")
				continue
			}
			c.hub.subscribe(c, msg.Channel)
			c.enqueue(encodeMessage(outboundMessage{Type: msgSubscribed, Channel: msg.Channel}))
		case msgUnsubscribe:
			if msg.Channel == "" {
				c.sendError("unsubscribe requires a channel")
				continue
			}
			c.hub.unsubscribe(c, msg.Channel)
			c.enqueue(encodeMessage(outboundMessage{Type: msgUnsubscribed, Channel: msg.Channel}))
		case msgPong:
			_ = c.conn.SetReadDeadline(c.readDeadline())
		default:
			c.sendError("unknown message type " + strconv.Quote(msg.Type))
		}
	}
}

// writePump flushes the send queue and keeps the connection alive with
// pings. Queued frames are coalesced into a single websocket frame,
// newline separated.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, encodeMessage(outboundMessage{Type: msgPing})); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin implements the browser connection policy: no Origin header
// is accepted (non-browser clients), localhost is accepted for
// development, and otherwise the Origin host must match the request host.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	reqHost := r.Host
	if h, _, err := net.SplitHostPort(reqHost); err == nil {
		reqHost = h
	}
	return strings.EqualFold(host, reqHost)
}
