// Package seedstore retains completed files across restarts, within a fixed
// total-byte quota, so a node keeps answering source requests after a
// reconnect. Persistence is best-effort: a failed write never affects the
// in-memory transfer or seeding path.
package seedstore

import (
	"errors"
	"time"

	"github.com/meshchat/fileshare/pkg/protocol"
)

// ErrNotFound is returned when no record exists for a file ID
var ErrNotFound = errors.New("seedstore: record not found")

// ErrQuotaExceeded is returned when a write cannot fit even after evicting
// every older record
var ErrQuotaExceeded = errors.New("seedstore: quota exceeded")

// Record is one durable seed: the complete file plus enough metadata to
// resume serving it.
type Record struct {
	FileID     string                 `json:"file_id"`
	ChannelRef string                 `json:"channel_ref"`
	Metadata   *protocol.FileMetadata `json:"metadata"`
	Bytes      []byte                 `json:"-"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Store is a quota-bounded durable store of seed records
type Store interface {
	// Put writes a record, evicting oldest records first if the quota
	// would otherwise be exceeded. Returns ErrQuotaExceeded when eviction
	// cannot free enough space; the store is left unchanged in that case.
	Put(rec *Record) error
	// Get returns one record including its bytes
	Get(fileID string) (*Record, error)
	// Delete removes a record and releases its quota
	Delete(fileID string) error
	// LoadAll returns every record including bytes, for startup reload
	LoadAll() ([]*Record, error)
	// PurgeExpired deletes records created before cutoff and reports how
	// many were removed
	PurgeExpired(cutoff time.Time) (int, error)
	// TotalBytes returns the bytes currently counted against the quota
	TotalBytes() (int64, error)
	Close() error
}
