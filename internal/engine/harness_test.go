package engine

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/meshchat/fileshare/internal/transport"
	"github.com/meshchat/fileshare/pkg/logger"
	"github.com/meshchat/fileshare/pkg/protocol"
)

// testConfig shrinks every interval so tests run in milliseconds
func testConfig(peerID string) Config {
	cfg := DefaultConfig(peerID)
	cfg.PieceSize = 1024
	cfg.MaxConcurrentRequests = 3
	cfg.PieceRequestTimeout = 200 * time.Millisecond
	cfg.PieceRetryBackoff = 5 * time.Millisecond
	cfg.PieceRetryBackoffCap = 20 * time.Millisecond
	cfg.SeederRequestInterval = 25 * time.Millisecond
	cfg.SeederDiscoveryTimeout = 500 * time.Millisecond
	cfg.SeederRefreshInterval = 100 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, tr transport.Transport) *Engine {
	t.Helper()
	e, err := New(cfg, tr, nil, logger.NewWithWriter(cfg.PeerID, io.Discard))
	if err != nil {
		t.Fatalf("New engine failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// bus is an in-memory broadcast transport shared by several engines. Every
// broadcast is delivered to every subscriber of the channel, sender
// included, each on its own goroutine: at-least-once, no ordering.
type bus struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	// filter may rewrite a payload before fan-out; returning nil drops it
	filter func(payload []byte) []byte
}

func newBus() *bus {
	return &bus{handlers: make(map[string][]transport.Handler)}
}

func (b *bus) Broadcast(channelID string, payload []byte) error {
	b.mu.Lock()
	if b.filter != nil {
		payload = b.filter(payload)
	}
	handlers := append([]transport.Handler(nil), b.handlers[channelID]...)
	b.mu.Unlock()

	if payload == nil {
		return nil
	}
	for _, h := range handlers {
		go h(channelID, payload)
	}
	return nil
}

func (b *bus) Subscribe(channelID string, h transport.Handler) error {
	b.mu.Lock()
	b.handlers[channelID] = append(b.handlers[channelID], h)
	b.mu.Unlock()
	return nil
}

func (b *bus) Unsubscribe(channelID string) error {
	b.mu.Lock()
	delete(b.handlers, channelID)
	b.mu.Unlock()
	return nil
}

func (b *bus) Close() error { return nil }

// capture records everything one engine broadcasts and lets the test play
// the remote side by injecting messages into the engine's handler.
type capture struct {
	mu      sync.Mutex
	handler transport.Handler
	msgs    chan capturedMsg
}

type capturedMsg struct {
	channel string
	env     *protocol.Envelope
}

func newCapture() *capture {
	return &capture{msgs: make(chan capturedMsg, 256)}
}

func (c *capture) Broadcast(channelID string, payload []byte) error {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	c.msgs <- capturedMsg{channel: channelID, env: env}
	return nil
}

func (c *capture) Subscribe(channelID string, h transport.Handler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return nil
}

func (c *capture) Unsubscribe(channelID string) error { return nil }
func (c *capture) Close() error                       { return nil }

// inject delivers a message to the subscribed engine as if a peer sent it
func (c *capture) inject(t *testing.T, channelID string, kind protocol.MessageType, body interface{}) {
	t.Helper()
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		t.Fatal("No handler subscribed")
	}
	payload, err := protocol.Encode(kind, body)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h(channelID, payload)
}

// next waits for the next broadcast of the given kind, skipping others
func (c *capture) next(t *testing.T, kind protocol.MessageType, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.msgs:
			if msg.env.Type == kind {
				return msg.env
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", kind)
			return nil
		}
	}
}

// expectNone fails if a message of the given kind arrives within the window
func (c *capture) expectNone(t *testing.T, kind protocol.MessageType, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case msg := <-c.msgs:
			if msg.env.Type == kind {
				t.Fatalf("Unexpected %s broadcast", kind)
			}
		case <-deadline:
			return
		}
	}
}

func decodePieceRequest(t *testing.T, env *protocol.Envelope) protocol.PieceRequest {
	t.Helper()
	var req protocol.PieceRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	return req
}
