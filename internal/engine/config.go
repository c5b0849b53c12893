package engine

import (
	"time"

	"github.com/meshchat/fileshare/pkg/chunker"
	"github.com/meshchat/fileshare/pkg/protocol"
	"github.com/meshchat/fileshare/pkg/seedring"
)

// Progress reports download progress for one transfer
type Progress struct {
	FileID        string
	Percent       float64
	ReceivedCount int
	PieceCount    int
	FileSize      int64
}

// Config controls one Engine. Zero fields take the defaults below; the
// callbacks are optional and are always invoked outside engine locks.
type Config struct {
	// PeerID is this node's channel identity, used for self-filtering and
	// piece-request targeting. Matching is case-insensitive.
	PeerID string

	// ChannelPrivate reports whether a channel is password-protected.
	// Files from private channels are only persisted when
	// PersistPrivateChannels is set. Nil treats every channel as open.
	ChannelPrivate func(channelRef string) bool

	PieceSize             int64
	MaxConcurrentRequests int
	PieceRequestTimeout   time.Duration

	// MaxPieceRetries bounds attempts per piece before the transfer moves
	// to a terminal failure. Negative means retry forever.
	MaxPieceRetries      int
	PieceRetryBackoff    time.Duration
	PieceRetryBackoffCap time.Duration

	MinSeeders             int
	PreferredSeeders       int
	MaxSeederRequests      int
	SeederRequestInterval  time.Duration
	SeederDiscoveryTimeout time.Duration
	SeederRefreshInterval  time.Duration

	// DiscoveryGiveUpAfter fails a transfer that has found no seeders at
	// all after this long. Zero keeps the transfer pending indefinitely.
	DiscoveryGiveUpAfter time.Duration

	SeederFailureLimit int

	HashWorkers int

	// UploadRate caps outbound piece bandwidth in bytes per second.
	// Zero means unlimited.
	UploadRate int64

	PersistPrivateChannels bool
	SeedExpiry             time.Duration

	OnProgress    func(p Progress)
	OnComplete    func(meta *protocol.FileMetadata, data []byte)
	OnFailed      func(fileID string, err error)
	OnSeederCount func(fileID string, count int)
}

// Defaults
const (
	DefaultMaxConcurrentRequests  = 4
	DefaultPieceRequestTimeout    = 10 * time.Second
	DefaultMaxPieceRetries        = 8
	DefaultPieceRetryBackoff      = 500 * time.Millisecond
	DefaultPieceRetryBackoffCap   = 30 * time.Second
	DefaultMinSeeders             = 1
	DefaultPreferredSeeders       = 3
	DefaultMaxSeederRequests      = 10
	DefaultSeederRequestInterval  = 5 * time.Second
	DefaultSeederDiscoveryTimeout = 30 * time.Second
	DefaultSeederRefreshInterval  = 15 * time.Second
	DefaultHashWorkers            = 2
	DefaultSeedExpiry             = 30 * 24 * time.Hour
)

// DefaultConfig returns a Config with every tunable at its default
func DefaultConfig(peerID string) Config {
	return Config{
		PeerID:                 peerID,
		PieceSize:              chunker.DefaultPieceSize,
		MaxConcurrentRequests:  DefaultMaxConcurrentRequests,
		PieceRequestTimeout:    DefaultPieceRequestTimeout,
		MaxPieceRetries:        DefaultMaxPieceRetries,
		PieceRetryBackoff:      DefaultPieceRetryBackoff,
		PieceRetryBackoffCap:   DefaultPieceRetryBackoffCap,
		MinSeeders:             DefaultMinSeeders,
		PreferredSeeders:       DefaultPreferredSeeders,
		MaxSeederRequests:      DefaultMaxSeederRequests,
		SeederRequestInterval:  DefaultSeederRequestInterval,
		SeederDiscoveryTimeout: DefaultSeederDiscoveryTimeout,
		SeederRefreshInterval:  DefaultSeederRefreshInterval,
		SeederFailureLimit:     seedring.DefaultFailureLimit,
		HashWorkers:            DefaultHashWorkers,
		SeedExpiry:             DefaultSeedExpiry,
	}
}

// withDefaults fills zero fields so a partially specified Config works
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.PeerID)
	if c.PieceSize <= 0 {
		c.PieceSize = d.PieceSize
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
	if c.PieceRequestTimeout <= 0 {
		c.PieceRequestTimeout = d.PieceRequestTimeout
	}
	if c.MaxPieceRetries == 0 {
		c.MaxPieceRetries = d.MaxPieceRetries
	}
	if c.PieceRetryBackoff <= 0 {
		c.PieceRetryBackoff = d.PieceRetryBackoff
	}
	if c.PieceRetryBackoffCap <= 0 {
		c.PieceRetryBackoffCap = d.PieceRetryBackoffCap
	}
	if c.MinSeeders <= 0 {
		c.MinSeeders = d.MinSeeders
	}
	if c.PreferredSeeders <= 0 {
		c.PreferredSeeders = d.PreferredSeeders
	}
	if c.MaxSeederRequests <= 0 {
		c.MaxSeederRequests = d.MaxSeederRequests
	}
	if c.SeederRequestInterval <= 0 {
		c.SeederRequestInterval = d.SeederRequestInterval
	}
	if c.SeederDiscoveryTimeout <= 0 {
		c.SeederDiscoveryTimeout = d.SeederDiscoveryTimeout
	}
	if c.SeederRefreshInterval <= 0 {
		c.SeederRefreshInterval = d.SeederRefreshInterval
	}
	if c.SeederFailureLimit <= 0 {
		c.SeederFailureLimit = d.SeederFailureLimit
	}
	if c.HashWorkers <= 0 {
		c.HashWorkers = d.HashWorkers
	}
	if c.SeedExpiry <= 0 {
		c.SeedExpiry = d.SeedExpiry
	}
	return c
}
