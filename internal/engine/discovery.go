package engine

import (
	"fmt"
	"time"

	"github.com/meshchat/fileshare/pkg/protocol"
)

// broadcastSourceRequest asks the channel who holds the file and records the
// attempt for the retry loop.
func (e *Engine) broadcastSourceRequest(t *transfer) {
	e.mu.Lock()
	t.requestCount++
	t.lastRequest = time.Now()
	count := t.requestCount
	e.mu.Unlock()

	e.log.Debug("source_request %d for %s", count, t.fileID)
	e.broadcast(t.channel, protocol.MsgSourceRequest, protocol.SourceRequest{FileID: t.fileID})
}

// runDiscovery drives the per-transfer discovery loop until the transfer
// completes, fails or is cancelled. Discovery keeps running after the
// download starts so seeder churn heals itself.
func (e *Engine) runDiscovery(t *transfer) {
	ticker := time.NewTicker(e.cfg.SeederRequestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			e.discoveryTick(t)
		}
	}
}

func (e *Engine) discoveryTick(t *transfer) {
	e.mu.Lock()
	if _, live := e.transfers[t.fileID]; !live {
		e.mu.Unlock()
		return
	}

	now := time.Now()
	seeders := t.ring.Len()
	elapsed := now.Sub(t.startedAt)
	sinceLast := now.Sub(t.lastRequest)

	if seeders == 0 && e.cfg.DiscoveryGiveUpAfter > 0 && elapsed >= e.cfg.DiscoveryGiveUpAfter {
		e.mu.Unlock()
		e.failTransfer(t.fileID, fmt.Errorf("no seeders found within %v", e.cfg.DiscoveryGiveUpAfter))
		return
	}

	rebroadcast := false
	if !t.downloading {
		switch {
		case seeders < e.cfg.PreferredSeeders &&
			t.requestCount < e.cfg.MaxSeederRequests &&
			sinceLast >= e.cfg.SeederRequestInterval:
			rebroadcast = true
		case seeders == 0 && !t.extraBroadcastDone && elapsed >= e.cfg.SeederDiscoveryTimeout:
			// One last ask past the deadline. Discovery stays optimistic:
			// the transfer is not failed here.
			t.extraBroadcastDone = true
			rebroadcast = true
		}
	} else if seeders < e.cfg.PreferredSeeders && sinceLast >= e.cfg.SeederRefreshInterval {
		rebroadcast = true
	}
	e.mu.Unlock()

	if rebroadcast {
		e.broadcastSourceRequest(t)
	}
}

// handleSourceAnnounce records a newly discovered seeder and applies the
// start-early policy: downloading begins at MinSeeders rather than waiting
// for the preferred count.
func (e *Engine) handleSourceAnnounce(ann *protocol.SourceAnnounce) {
	if ann.SenderID == "" || e.selfSender(ann.SenderID) {
		return
	}

	e.mu.Lock()
	t, ok := e.transfers[ann.FileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	isNew := t.ring.Add(ann.SenderID)
	count := t.ring.Len()
	started := false
	if !t.downloading && count >= e.cfg.MinSeeders {
		t.downloading = true
		started = true
	}
	e.mu.Unlock()

	if isNew {
		e.log.Debug("seeder %s announced for %s (%d known)", ann.SenderID, ann.FileID, count)
		if e.cfg.OnSeederCount != nil {
			e.cfg.OnSeederCount(ann.FileID, count)
		}
	}
	if started {
		e.log.Info("download %s entering transfer with %d seeder(s)", ann.FileID, count)
	}
	if started || isNew {
		e.schedule(t)
	}
}
