package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/squadlink/callkit/metrics"
)

// MemoryTransport is an in-process signaling hub. Every conduit opened on
// the same channel name receives envelopes sent by the others. It backs
// the test suites and the loopback example; production deployments use
// WebsocketTransport against a relay instead.
type MemoryTransport struct {
	mu        sync.RWMutex
	channels  map[string][]*memoryConduit
	closed    bool
	collector metrics.Collector
}

// NewMemoryTransport creates an empty in-process hub. A nil collector
// disables instrumentation.
func NewMemoryTransport(collector metrics.Collector) *MemoryTransport {
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &MemoryTransport{
		channels:  make(map[string][]*memoryConduit),
		collector: collector,
	}
}

// Open joins the named channel.
func (t *MemoryTransport) Open(ctx context.Context, channel string) (Conduit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	conduit := &memoryConduit{
		transport: t,
		channel:   channel,
		id:        uuid.NewString(),
	}
	t.channels[channel] = append(t.channels[channel], conduit)

	logrus.WithFields(logrus.Fields{
		"function":   "Open",
		"channel":    channel,
		"conduit_id": conduit.id,
		"peers":      len(t.channels[channel]),
	}).Debug("Joined in-memory signaling channel")

	return conduit, nil
}

// Close shuts the hub down. Subsequent opens fail and all conduits are
// detached.
func (t *MemoryTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.channels = make(map[string][]*memoryConduit)
}

// broadcast delivers an envelope to every other conduit on the channel.
func (t *MemoryTransport) broadcast(from *memoryConduit, env Envelope) {
	t.mu.RLock()
	peers := make([]*memoryConduit, 0, len(t.channels[from.channel]))
	for _, peer := range t.channels[from.channel] {
		if peer != from {
			peers = append(peers, peer)
		}
	}
	t.mu.RUnlock()

	t.collector.SignalSent(env.Type)
	for _, peer := range peers {
		peer.deliver(env)
		t.collector.SignalReceived(env.Type)
	}
}

// detach removes a conduit from its channel, pruning empty channels.
func (t *MemoryTransport) detach(conduit *memoryConduit) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := t.channels[conduit.channel]
	for i, peer := range peers {
		if peer == conduit {
			t.channels[conduit.channel] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(t.channels[conduit.channel]) == 0 {
		delete(t.channels, conduit.channel)
	}
}

type memoryConduit struct {
	transport *MemoryTransport
	channel   string
	id        string

	mu      sync.Mutex
	handler Handler
	closed  bool
}

func (c *memoryConduit) Send(env Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConduitClosed
	}
	c.transport.broadcast(c, env)
	return nil
}

func (c *memoryConduit) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *memoryConduit) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handler = nil
	c.mu.Unlock()

	c.transport.detach(c)
	return nil
}

func (c *memoryConduit) deliver(env Envelope) {
	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	c.mu.Unlock()
	if closed || handler == nil {
		return
	}
	handler(env)
}
