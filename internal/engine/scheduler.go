package engine

import (
	"fmt"
	"time"

	"github.com/meshchat/fileshare/pkg/hash"
	"github.com/meshchat/fileshare/pkg/protocol"
)

// schedule assigns pending pieces to seeders. Pieces are scanned in index
// order; each eligible one is given to the next seeder in rotation until the
// in-flight bound is reached. Requests are sent after the lock is released.
func (e *Engine) schedule(t *transfer) {
	type assignment struct {
		index  int
		seeder string
	}
	var sends []assignment

	e.mu.Lock()
	if _, live := e.transfers[t.fileID]; !live || !t.downloading {
		e.mu.Unlock()
		return
	}
	for i := 0; i < t.meta.PieceCount; i++ {
		if len(t.inFlight) >= e.cfg.MaxConcurrentRequests {
			break
		}
		if t.status[i] != piecePending {
			continue
		}
		if _, coolingDown := t.backoffTimers[i]; coolingDown {
			continue
		}
		seeder, ok := t.ring.Next()
		if !ok {
			break
		}

		t.status[i] = pieceRequested
		fl := &inflightReq{seederID: seeder}
		t.inFlight[i] = fl
		index := i
		fl.timer = time.AfterFunc(e.cfg.PieceRequestTimeout, func() {
			e.onPieceTimeout(t.fileID, index, fl)
		})
		sends = append(sends, assignment{index: index, seeder: seeder})
	}
	e.mu.Unlock()

	for _, a := range sends {
		e.log.Debug("requesting piece %d of %s from %s", a.index, t.fileID, a.seeder)
		e.broadcast(t.channel, protocol.MsgPieceRequest, protocol.PieceRequest{
			FileID:         t.fileID,
			PieceIndex:     a.index,
			TargetSeederID: a.seeder,
			SenderID:       e.cfg.PeerID,
		})
	}
}

// onPieceTimeout fires when a requested piece got no response. The fl token
// guards against acting on a request that was already satisfied or replaced.
func (e *Engine) onPieceTimeout(fileID string, index int, fl *inflightReq) {
	e.log.Debug("piece %d of %s timed out at %s", index, fileID, fl.seederID)
	e.pieceFailed(fileID, index, fl, fl.seederID)
}

// pieceFailed is the shared path for timeouts, hash mismatches and decode
// failures: revert the piece, count the failure against the blamed peer, and
// either fail the transfer or re-request after backoff. The fl token makes a
// stale failure racing a fresh re-request a no-op.
func (e *Engine) pieceFailed(fileID string, index int, fl *inflightReq, blame string) {
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	cur, outstanding := t.inFlight[index]
	if !outstanding || cur != fl {
		e.mu.Unlock()
		return
	}

	cur.timer.Stop()
	delete(t.inFlight, index)
	t.status[index] = piecePending

	evicted := t.ring.RecordFailure(blame)
	t.attempts[index]++
	attempts := t.attempts[index]

	if e.cfg.MaxPieceRetries > 0 && attempts >= e.cfg.MaxPieceRetries {
		e.mu.Unlock()
		e.failTransfer(fileID, fmt.Errorf("piece %d failed after %d attempts", index, attempts))
		return
	}

	delay := e.retryBackoff(attempts)
	t.backoffTimers[index] = time.AfterFunc(delay, func() {
		e.backoffElapsed(fileID, index)
	})
	remaining := t.ring.Len()
	e.mu.Unlock()

	if evicted {
		e.log.Warn("seeder %s evicted from %s rotation (%d remain)", blame, fileID, remaining)
	}
	e.schedule(t)
}

// retryBackoff doubles per attempt up to the configured cap
func (e *Engine) retryBackoff(attempts int) time.Duration {
	delay := e.cfg.PieceRetryBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.PieceRetryBackoffCap {
			return e.cfg.PieceRetryBackoffCap
		}
	}
	return delay
}

func (e *Engine) backoffElapsed(fileID string, index int) {
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if ok {
		delete(t.backoffTimers, index)
	}
	e.mu.Unlock()
	if ok {
		e.schedule(t)
	}
}

// handleFilePiece verifies and stores one received piece. Self-echoes,
// pieces for unknown transfers and pieces not currently requested are
// dropped: a late response racing its own timeout finds its in-flight entry
// gone and does nothing.
func (e *Engine) handleFilePiece(piece *protocol.FilePiece) {
	if e.selfSender(piece.SenderID) {
		return
	}

	e.mu.Lock()
	t, ok := e.transfers[piece.FileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if piece.PieceIndex < 0 || piece.PieceIndex >= t.meta.PieceCount {
		e.mu.Unlock()
		return
	}
	fl, outstanding := t.inFlight[piece.PieceIndex]
	if !outstanding || t.status[piece.PieceIndex] != pieceRequested {
		e.mu.Unlock()
		return
	}

	if !hash.Verify(piece.Data, t.meta.PieceHashes[piece.PieceIndex]) {
		e.mu.Unlock()
		e.log.Warn("piece %d of %s failed verification (from %s)",
			piece.PieceIndex, piece.FileID, piece.SenderID)
		e.pieceFailed(piece.FileID, piece.PieceIndex, fl, piece.SenderID)
		return
	}

	fl.timer.Stop()
	delete(t.inFlight, piece.PieceIndex)
	t.status[piece.PieceIndex] = pieceDone
	t.pieces[piece.PieceIndex] = append([]byte(nil), piece.Data...)
	t.received++
	t.ring.RecordSuccess(piece.SenderID)

	received := t.received
	total := t.meta.PieceCount
	complete := received == total
	if complete {
		// Remove the transfer before releasing the lock so a duplicate
		// completion can never race in.
		delete(e.transfers, piece.FileID)
		t.stopTimers()
		close(t.stop)
	}
	e.mu.Unlock()

	if e.cfg.OnProgress != nil {
		e.cfg.OnProgress(Progress{
			FileID:        piece.FileID,
			Percent:       float64(received) / float64(total) * 100,
			ReceivedCount: received,
			PieceCount:    total,
			FileSize:      t.meta.FileSize,
		})
	}

	if complete {
		e.finishTransfer(t)
	} else {
		e.schedule(t)
	}
}

// finishTransfer assembles the verified pieces, registers the node as a new
// seeder and hands the bytes to the seed store.
func (e *Engine) finishTransfer(t *transfer) {
	data, err := e.chunker.Assemble(t.meta, t.pieces)
	if err != nil {
		// Every piece was individually verified, so this means the
		// announced metadata itself was inconsistent.
		e.log.Error("assembling %s failed: %v", t.fileID, err)
		if e.cfg.OnFailed != nil {
			e.cfg.OnFailed(t.fileID, err)
		}
		return
	}

	e.mu.Lock()
	e.holdings[t.fileID] = &localFile{
		meta:    t.meta,
		data:    data,
		channel: t.channel,
	}
	e.mu.Unlock()

	e.log.Info("download %s complete (%d bytes)", t.fileID, len(data))

	e.broadcast(t.channel, protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID:   t.fileID,
		SenderID: e.cfg.PeerID,
	})
	e.persistHolding(t.fileID)

	if e.cfg.OnComplete != nil {
		e.cfg.OnComplete(t.meta, data)
	}
}

// failTransfer moves a transfer to its terminal failed state
func (e *Engine) failTransfer(fileID string, reason error) {
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.transfers, fileID)
	t.stopTimers()
	close(t.stop)
	e.mu.Unlock()

	e.log.Warn("download %s failed: %v", fileID, reason)
	if e.cfg.OnFailed != nil {
		e.cfg.OnFailed(fileID, reason)
	}
}
