package signaling

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/squadlink/callkit/metrics"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings keep the
	// connection alive.
	pingPeriod = (pongWait * 9) / 10

	// maxEnvelopeSize bounds inbound signaling frames. Session
	// descriptions are a few KB; anything larger is not ours.
	maxEnvelopeSize = 64 * 1024
)

// WebsocketTransport opens signaling conduits against a thin websocket
// relay. The relay's only job is to fan envelopes out to the other
// subscribers of the same channel path; it never interprets payloads.
type WebsocketTransport struct {
	relayURL  *url.URL
	dialer    *websocket.Dialer
	collector metrics.Collector
}

// NewWebsocketTransport creates a transport that dials channels under
// relayURL (for example "wss://relay.example.com/signal"). A nil
// collector disables instrumentation.
func NewWebsocketTransport(relayURL string, collector metrics.Collector) (*WebsocketTransport, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &WebsocketTransport{
		relayURL:  parsed,
		dialer:    websocket.DefaultDialer,
		collector: collector,
	}, nil
}

// Open dials the relay and subscribes to the named channel.
func (t *WebsocketTransport) Open(ctx context.Context, channel string) (Conduit, error) {
	endpoint := *t.relayURL
	endpoint.Path, _ = url.JoinPath(endpoint.Path, channel)

	conn, _, err := t.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"channel":  channel,
			"error":    err,
		}).Error("Failed to dial signaling relay")
		return nil, err
	}

	conduit := &wsConduit{
		conn:      conn,
		channel:   channel,
		collector: t.collector,
		done:      make(chan struct{}),
	}
	go conduit.readPump()
	go conduit.pingPump()

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"channel":  channel,
		"relay":    endpoint.Host,
	}).Debug("Joined relay signaling channel")

	return conduit, nil
}

type wsConduit struct {
	conn      *websocket.Conn
	channel   string
	collector metrics.Collector

	mu      sync.Mutex
	handler Handler
	closed  bool

	done chan struct{}
}

func (c *wsConduit) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConduitClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return err
	}
	c.collector.SignalSent(env.Type)
	return nil
}

func (c *wsConduit) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *wsConduit) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handler = nil
	close(c.done)
	c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// readPump decodes inbound envelopes until the connection dies or the
// conduit is closed.
func (c *wsConduit) readPump() {
	c.conn.SetReadLimit(maxEnvelopeSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"channel":  c.channel,
					"error":    err,
				}).Warn("Signaling connection read failed")
				c.Close()
			}
			return
		}

		c.collector.SignalReceived(env.Type)

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// pingPump keeps the relay connection alive.
func (c *wsConduit) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
