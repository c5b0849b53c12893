package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a file-transfer message on a channel.
type MessageType string

const (
	// MsgSourceRequest asks the channel who holds a complete copy of a file.
	MsgSourceRequest MessageType = "source_request"
	// MsgSourceAnnounce declares that the sender holds a complete copy.
	MsgSourceAnnounce MessageType = "source_announce"
	// MsgPieceRequest asks one specific seeder for one piece.
	MsgPieceRequest MessageType = "piece_request"
	// MsgFilePiece carries piece bytes back to the channel.
	MsgFilePiece MessageType = "file_piece"
)

// FileMetadata describes one distributed file. It is created exactly once,
// by the uploader, and never modified afterwards.
type FileMetadata struct {
	FileID      string   `json:"file_id"`
	FileName    string   `json:"file_name"`
	FileSize    int64    `json:"file_size"`
	MimeType    string   `json:"mime_type"`
	PieceCount  int      `json:"piece_count"`
	PieceHashes []string `json:"piece_hashes"`
}

// Validate checks the internal consistency of announced metadata.
// Metadata arrives from remote peers, so it is checked before any
// transfer state is built from it.
func (m *FileMetadata) Validate() error {
	if m.FileID == "" {
		return fmt.Errorf("metadata missing file id")
	}
	if m.FileSize < 0 {
		return fmt.Errorf("metadata has negative size %d", m.FileSize)
	}
	if m.PieceCount <= 0 {
		return fmt.Errorf("metadata has piece count %d", m.PieceCount)
	}
	if len(m.PieceHashes) != m.PieceCount {
		return fmt.Errorf("metadata has %d hashes for %d pieces", len(m.PieceHashes), m.PieceCount)
	}
	return nil
}

// SourceRequest is broadcast by a downloader looking for seeders.
type SourceRequest struct {
	FileID string `json:"file_id"`
}

// SourceAnnounce is broadcast by a peer that holds the complete file.
type SourceAnnounce struct {
	FileID   string `json:"file_id"`
	SenderID string `json:"sender_id"`
}

// PieceRequest is broadcast but directed: only the peer whose identity
// matches TargetSeederID may respond.
type PieceRequest struct {
	FileID         string `json:"file_id"`
	PieceIndex     int    `json:"piece_index"`
	TargetSeederID string `json:"target_seeder_id"`
	SenderID       string `json:"sender_id"`
}

// FilePiece carries the bytes of one piece. Data is base64-encoded on the
// wire by the JSON codec, keeping the payload binary-safe.
type FilePiece struct {
	FileID     string `json:"file_id"`
	PieceIndex int    `json:"piece_index"`
	Data       []byte `json:"data"`
	SenderID   string `json:"sender_id"`
}

// Envelope is the outer frame every message travels in.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a typed message body in an Envelope and serializes it.
func Encode(kind MessageType, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Payload: payload})
}

// DecodeEnvelope parses the outer frame without touching the payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// DecodePayload parses the payload of an envelope into body.
func DecodePayload(env *Envelope, body interface{}) error {
	if err := json.Unmarshal(env.Payload, body); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
