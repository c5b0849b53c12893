package engine

import (
	"context"
	"strings"

	"github.com/meshchat/fileshare/pkg/protocol"
)

// handleSourceRequest answers "who has this file?" for files this node
// holds completely.
func (e *Engine) handleSourceRequest(channelID string, req *protocol.SourceRequest) {
	e.mu.Lock()
	_, held := e.holdings[req.FileID]
	e.mu.Unlock()
	if !held {
		return
	}

	e.log.Debug("announcing as source for %s", req.FileID)
	e.broadcast(channelID, protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID:   req.FileID,
		SenderID: e.cfg.PeerID,
	})
}

// handlePieceRequest serves one piece of a held file. Requests addressed to
// another peer are ignored; target matching is case-insensitive. Serving
// runs in its own goroutine so throttled uploads never stall message
// dispatch.
func (e *Engine) handlePieceRequest(channelID string, req *protocol.PieceRequest) {
	if !strings.EqualFold(req.TargetSeederID, e.cfg.PeerID) {
		return
	}

	e.mu.Lock()
	lf, held := e.holdings[req.FileID]
	e.mu.Unlock()
	if !held {
		return
	}

	piece, err := e.chunker.Piece(lf.data, req.PieceIndex)
	if err != nil {
		e.log.Debug("ignoring piece_request for %s: %v", req.FileID, err)
		return
	}

	go e.servePiece(channelID, req.FileID, req.PieceIndex, piece)
}

func (e *Engine) servePiece(channelID, fileID string, index int, piece []byte) {
	if e.limiter != nil {
		if err := e.limiter.Wait(context.Background(), int64(len(piece))); err != nil {
			return
		}
	}

	e.log.Debug("serving piece %d of %s (%d bytes)", index, fileID, len(piece))
	e.broadcast(channelID, protocol.MsgFilePiece, protocol.FilePiece{
		FileID:     fileID,
		PieceIndex: index,
		Data:       piece,
		SenderID:   e.cfg.PeerID,
	})
}

// ReannounceForChannel re-broadcasts a source_announce for every held file
// that belongs to the channel. Called on channel rejoin so a reconnecting
// node becomes discoverable again without a fresh upload.
func (e *Engine) ReannounceForChannel(channelRef string) {
	e.mu.Lock()
	var fileIDs []string
	for id, lf := range e.holdings {
		if lf.channel == channelRef {
			fileIDs = append(fileIDs, id)
		}
	}
	e.mu.Unlock()

	for _, id := range fileIDs {
		e.broadcast(channelRef, protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
			FileID:   id,
			SenderID: e.cfg.PeerID,
		})
	}
	if len(fileIDs) > 0 {
		e.log.Info("re-announced %d file(s) on %s", len(fileIDs), channelRef)
	}
}
