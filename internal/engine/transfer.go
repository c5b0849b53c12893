package engine

import (
	"time"

	"github.com/meshchat/fileshare/pkg/protocol"
	"github.com/meshchat/fileshare/pkg/seedring"
)

type pieceState uint8

const (
	piecePending pieceState = iota
	pieceRequested
	pieceDone
)

// inflightReq tracks one outstanding piece request. The pointer doubles as a
// generation token: a timeout callback only acts if the map still holds the
// same request it was armed for.
type inflightReq struct {
	seederID string
	timer    *time.Timer
}

// transfer is the state of one incoming download, keyed by file ID. All
// fields are guarded by the engine mutex; stale timer and message callbacks
// find their transfer or in-flight entry gone and become no-ops.
type transfer struct {
	fileID  string
	channel string
	meta    *protocol.FileMetadata

	status   []pieceState
	pieces   [][]byte
	attempts []int
	inFlight map[int]*inflightReq
	received int

	// backoffTimers holds pieces cooling down after a failure; such a
	// piece is pending but not yet eligible for reassignment
	backoffTimers map[int]*time.Timer

	ring         *seedring.Ring
	downloading  bool
	requestCount int
	lastRequest  time.Time
	startedAt    time.Time

	// extraBroadcastDone marks the single post-timeout rebroadcast issued
	// when discovery finds nothing
	extraBroadcastDone bool

	stop chan struct{}
}

func newTransfer(channel string, meta *protocol.FileMetadata, failureLimit int) *transfer {
	now := time.Now()
	return &transfer{
		fileID:        meta.FileID,
		channel:       channel,
		meta:          meta,
		status:        make([]pieceState, meta.PieceCount),
		pieces:        make([][]byte, meta.PieceCount),
		attempts:      make([]int, meta.PieceCount),
		inFlight:      make(map[int]*inflightReq),
		backoffTimers: make(map[int]*time.Timer),
		ring:          seedring.New(failureLimit),
		requestCount:  0,
		lastRequest:   now,
		startedAt:     now,
		stop:          make(chan struct{}),
	}
}

// stopTimers cancels every armed timer. Callers hold the engine mutex.
func (t *transfer) stopTimers() {
	for _, fl := range t.inFlight {
		if fl.timer != nil {
			fl.timer.Stop()
		}
	}
	for _, timer := range t.backoffTimers {
		timer.Stop()
	}
}

// localFile is a completely held file this node can serve pieces from
type localFile struct {
	meta      *protocol.FileMetadata
	data      []byte
	channel   string
	persisted bool
}
