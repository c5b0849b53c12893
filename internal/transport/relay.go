package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/meshchat/fileshare/pkg/logger"
)

// Relay frame operations
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opMessage     = "message"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingInterval      = (pongWait * 9) / 10
	reconnectInterval = 5 * time.Second
	nonceSize         = 24
)

// relayFrame is the wire format between a node and the relay server
type relayFrame struct {
	Op      string `json:"op"`
	Channel string `json:"channel,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// Relay is a Transport over a WebSocket fan-out relay. The relay forwards
// every published frame to all subscribers of the channel, this node
// included, which matches the at-least-once no-ordering broadcast contract.
type Relay struct {
	peerID   string
	relayURL string
	log      *logger.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers map[string]Handler
	keys     map[string]*[32]byte
	closing  bool

	send chan []byte
	done chan struct{}
}

// NewRelay creates a relay transport for the given relay server URL
func NewRelay(relayURL, peerID string, log *logger.Logger) *Relay {
	return &Relay{
		peerID:   peerID,
		relayURL: relayURL,
		log:      log,
		handlers: make(map[string]Handler),
		keys:     make(map[string]*[32]byte),
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and
// write pumps. Reconnection with resubscription runs in the background for
// the life of the transport.
func (r *Relay) Connect() error {
	if err := r.dial(); err != nil {
		return err
	}
	go r.writePump()
	go r.readLoop()
	return nil
}

func (r *Relay) dial() error {
	u, err := url.Parse(r.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.RawQuery = fmt.Sprintf("peer_id=%s", url.QueryEscape(r.peerID))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	r.mu.Lock()
	r.conn = conn
	channels := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	// Restore subscriptions after a reconnect
	for _, ch := range channels {
		if err := r.sendFrame(relayFrame{Op: opSubscribe, Channel: ch}); err != nil {
			return err
		}
	}
	return nil
}

// SetChannelKey enables symmetric encryption of payloads on a channel. The
// key material is hashed down to the 32 bytes secretbox needs, so callers
// can pass a passphrase-derived secret of any length.
func (r *Relay) SetChannelKey(channelID string, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("empty channel key")
	}
	boxKey := new([32]byte)
	sum := sha256.Sum256(key)
	copy(boxKey[:], sum[:])

	r.mu.Lock()
	r.keys[channelID] = boxKey
	r.mu.Unlock()
	return nil
}

// Broadcast publishes payload on a channel, sealing it when a channel key
// has been set.
func (r *Relay) Broadcast(channelID string, payload []byte) error {
	r.mu.RLock()
	key := r.keys[channelID]
	r.mu.RUnlock()

	if key != nil {
		sealed, err := seal(key, payload)
		if err != nil {
			return err
		}
		payload = sealed
	}

	frame, err := json.Marshal(relayFrame{Op: opPublish, Channel: channelID, Data: payload})
	if err != nil {
		return err
	}

	select {
	case r.send <- frame:
		return nil
	case <-r.done:
		return fmt.Errorf("relay closed")
	}
}

// Subscribe registers a handler and asks the relay for the channel's traffic
func (r *Relay) Subscribe(channelID string, h Handler) error {
	r.mu.Lock()
	r.handlers[channelID] = h
	r.mu.Unlock()
	return r.sendFrame(relayFrame{Op: opSubscribe, Channel: channelID})
}

// Unsubscribe drops the handler and tells the relay to stop forwarding
func (r *Relay) Unsubscribe(channelID string) error {
	r.mu.Lock()
	delete(r.handlers, channelID)
	delete(r.keys, channelID)
	r.mu.Unlock()
	return r.sendFrame(relayFrame{Op: opUnsubscribe, Channel: channelID})
}

// Close shuts the transport down
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	conn := r.conn
	r.mu.Unlock()

	close(r.done)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

func (r *Relay) sendFrame(f relayFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case r.send <- data:
		return nil
	case <-r.done:
		return fmt.Errorf("relay closed")
	}
}

// writePump owns all writes to the connection
func (r *Relay) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-r.send:
			r.mu.RLock()
			conn := r.conn
			r.mu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				r.log.Warn("relay write failed: %v", err)
			}
		case <-ticker.C:
			r.mu.RLock()
			conn := r.conn
			r.mu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.PingMessage, nil)
		case <-r.done:
			return
		}
	}
}

// readLoop consumes frames and redials on failure until Close is called
func (r *Relay) readLoop() {
	for {
		r.mu.RLock()
		conn := r.conn
		closing := r.closing
		r.mu.RUnlock()
		if closing {
			return
		}
		if conn == nil {
			if !r.redial() {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			r.conn = nil
			r.mu.Unlock()
			if closing {
				return
			}
			r.log.Warn("relay connection lost: %v", err)
			if !r.redial() {
				return
			}
			continue
		}

		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.log.Debug("dropping malformed relay frame: %v", err)
			continue
		}
		if frame.Op != opMessage {
			continue
		}
		r.dispatch(frame.Channel, frame.Data)
	}
}

func (r *Relay) dispatch(channelID string, payload []byte) {
	r.mu.RLock()
	h := r.handlers[channelID]
	key := r.keys[channelID]
	r.mu.RUnlock()
	if h == nil {
		return
	}

	if key != nil {
		plain, err := open(key, payload)
		if err != nil {
			r.log.Debug("dropping undecryptable payload on %s: %v", channelID, err)
			return
		}
		payload = plain
	}
	h(channelID, payload)
}

// redial attempts reconnection until it succeeds or the transport closes
func (r *Relay) redial() bool {
	for {
		select {
		case <-r.done:
			return false
		case <-time.After(reconnectInterval):
		}

		if err := r.dial(); err != nil {
			r.log.Warn("relay reconnect failed: %v", err)
			continue
		}
		r.log.Info("relay reconnected")
		return true
	}
}

// seal encrypts plain with a random nonce prepended to the box
func seal(key *[32]byte, plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, key), nil
}

// open reverses seal
func open(key *[32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed payload too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("payload authentication failed")
	}
	return plain, nil
}
