// Package transport abstracts the broadcast medium the file-transfer engine
// runs over. The engine only needs to publish a payload to a logical channel
// and receive every payload other peers publish there; delivery is
// at-least-once with no ordering guarantee across peers.
package transport

// Handler receives every payload broadcast on a subscribed channel,
// including echoes of this node's own messages.
type Handler func(channelID string, payload []byte)

// Transport is a broadcast pub/sub connection
type Transport interface {
	// Broadcast publishes payload to every subscriber of the channel
	Broadcast(channelID string, payload []byte) error
	// Subscribe registers the handler for a channel's messages
	Subscribe(channelID string, h Handler) error
	// Unsubscribe stops delivery for a channel
	Unsubscribe(channelID string) error
	// Close tears down the connection
	Close() error
}

// ChannelKeyer is implemented by transports that can encrypt channel
// payloads with a symmetric key.
type ChannelKeyer interface {
	SetChannelKey(channelID string, key []byte) error
}
