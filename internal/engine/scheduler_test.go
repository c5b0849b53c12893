package engine

import (
	"testing"
	"time"

	"github.com/meshchat/fileshare/pkg/protocol"
)

func TestConcurrencyBound(t *testing.T) {
	tr := newCapture()
	cfg := testConfig("peer-B")
	cfg.MaxConcurrentRequests = 2

	e := newTestEngine(t, cfg, tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(6*1024)) // 6 pieces
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}

	tr.inject(t, "chan-1", protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID: ch.meta.FileID, SenderID: "seed-1",
	})

	// Exactly two requests may be outstanding
	first := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, time.Second))
	second := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, time.Second))
	if first.PieceIndex != 0 || second.PieceIndex != 1 {
		t.Errorf("Expected pieces 0 and 1 first, got %d and %d", first.PieceIndex, second.PieceIndex)
	}
	tr.expectNone(t, protocol.MsgPieceRequest, 100*time.Millisecond)

	e.mu.Lock()
	inFlight := len(e.transfers[ch.meta.FileID].inFlight)
	e.mu.Unlock()
	if inFlight != 2 {
		t.Errorf("inFlight = %d, want 2", inFlight)
	}

	// Answering one request frees exactly one slot
	tr.inject(t, "chan-1", protocol.MsgFilePiece, protocol.FilePiece{
		FileID:     ch.meta.FileID,
		PieceIndex: first.PieceIndex,
		Data:       ch.pieces[first.PieceIndex],
		SenderID:   "seed-1",
	})
	third := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, time.Second))
	if third.PieceIndex != 2 {
		t.Errorf("Expected piece 2 next, got %d", third.PieceIndex)
	}
	tr.expectNone(t, protocol.MsgPieceRequest, 100*time.Millisecond)
}

func TestTimeoutMovesToNextSeeder(t *testing.T) {
	tr := newCapture()
	e := newTestEngine(t, testConfig("peer-B"), tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(500)) // single piece
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}

	tr.inject(t, "chan-1", protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID: ch.meta.FileID, SenderID: "seed-1",
	})
	first := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, time.Second))
	if first.TargetSeederID != "seed-1" {
		t.Errorf("First request targeted %s, want seed-1", first.TargetSeederID)
	}

	tr.inject(t, "chan-1", protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID: ch.meta.FileID, SenderID: "seed-2",
	})

	// No answer: after the timeout the piece rotates to the next seeder
	second := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, 2*time.Second))
	if second.PieceIndex != first.PieceIndex {
		t.Errorf("Re-request was for piece %d, want %d", second.PieceIndex, first.PieceIndex)
	}
	if second.TargetSeederID != "seed-2" {
		t.Errorf("Re-request targeted %s, want seed-2", second.TargetSeederID)
	}
}

func TestCorruptPieceNotCounted(t *testing.T) {
	tr := newCapture()
	e := newTestEngine(t, testConfig("peer-B"), tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(2048)) // 2 pieces
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}
	tr.inject(t, "chan-1", protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID: ch.meta.FileID, SenderID: "seed-1",
	})
	req := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, time.Second))

	tampered := append([]byte(nil), ch.pieces[req.PieceIndex]...)
	tampered[0] ^= 0x01
	tr.inject(t, "chan-1", protocol.MsgFilePiece, protocol.FilePiece{
		FileID:     ch.meta.FileID,
		PieceIndex: req.PieceIndex,
		Data:       tampered,
		SenderID:   "seed-1",
	})

	e.mu.Lock()
	tf := e.transfers[ch.meta.FileID]
	received := tf.received
	state := tf.status[req.PieceIndex]
	e.mu.Unlock()
	if received != 0 {
		t.Errorf("receivedCount = %d after corrupt piece, want 0", received)
	}
	if state == pieceDone {
		t.Error("Corrupt piece must never be marked done")
	}

	// And it is re-requested
	again := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, 2*time.Second))
	if again.PieceIndex != req.PieceIndex {
		t.Errorf("Re-request was for piece %d, want %d", again.PieceIndex, req.PieceIndex)
	}
}

func TestSelfEchoIgnored(t *testing.T) {
	tr := newCapture()
	e := newTestEngine(t, testConfig("peer-B"), tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(500))
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}
	tr.inject(t, "chan-1", protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID: ch.meta.FileID, SenderID: "seed-1",
	})
	req := decodePieceRequest(t, tr.next(t, protocol.MsgPieceRequest, time.Second))

	// A correct piece claiming to come from ourselves (any case) is echo
	tr.inject(t, "chan-1", protocol.MsgFilePiece, protocol.FilePiece{
		FileID:     ch.meta.FileID,
		PieceIndex: req.PieceIndex,
		Data:       ch.pieces[req.PieceIndex],
		SenderID:   "PEER-B",
	})

	e.mu.Lock()
	received := e.transfers[ch.meta.FileID].received
	e.mu.Unlock()
	if received != 0 {
		t.Errorf("Self-echoed piece was accepted, receivedCount = %d", received)
	}
}

func TestUnsolicitedPieceDropped(t *testing.T) {
	tr := newCapture()
	e := newTestEngine(t, testConfig("peer-B"), tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(2048))
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}

	// Not yet requested from anyone: piece 1 arrives unsolicited
	tr.inject(t, "chan-1", protocol.MsgFilePiece, protocol.FilePiece{
		FileID:     ch.meta.FileID,
		PieceIndex: 1,
		Data:       ch.pieces[1],
		SenderID:   "seed-1",
	})
	// Unknown file entirely
	tr.inject(t, "chan-1", protocol.MsgFilePiece, protocol.FilePiece{
		FileID:     "no-such-file",
		PieceIndex: 0,
		Data:       []byte("x"),
		SenderID:   "seed-1",
	})
	// Out-of-range index
	tr.inject(t, "chan-1", protocol.MsgFilePiece, protocol.FilePiece{
		FileID:     ch.meta.FileID,
		PieceIndex: 99,
		Data:       []byte("x"),
		SenderID:   "seed-1",
	})

	e.mu.Lock()
	received := e.transfers[ch.meta.FileID].received
	e.mu.Unlock()
	if received != 0 {
		t.Errorf("Unsolicited pieces were accepted, receivedCount = %d", received)
	}
}

func TestRetryExhaustionFailsTransfer(t *testing.T) {
	tr := newCapture()
	cfg := testConfig("peer-B")
	cfg.MaxPieceRetries = 2
	cfg.PieceRequestTimeout = 50 * time.Millisecond

	failed := make(chan error, 1)
	cfg.OnFailed = func(fileID string, err error) { failed <- err }

	e := newTestEngine(t, cfg, tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(500))
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}
	tr.inject(t, "chan-1", protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID: ch.meta.FileID, SenderID: "seed-1",
	})

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("Transfer never reached terminal failure")
	}

	e.mu.Lock()
	_, live := e.transfers[ch.meta.FileID]
	e.mu.Unlock()
	if live {
		t.Error("Failed transfer state should be discarded")
	}
}

func TestDiscoveryGiveUpPolicy(t *testing.T) {
	tr := newCapture()
	cfg := testConfig("peer-B")
	cfg.DiscoveryGiveUpAfter = 100 * time.Millisecond

	failed := make(chan error, 1)
	cfg.OnFailed = func(fileID string, err error) { failed <- err }

	e := newTestEngine(t, cfg, tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(500))
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}

	select {
	case err := <-failed:
		if err == nil {
			t.Error("Expected a failure reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Give-up policy never fired")
	}
}

func TestDiscoveryPendsForeverByDefault(t *testing.T) {
	tr := newCapture()
	cfg := testConfig("peer-B")
	cfg.SeederDiscoveryTimeout = 60 * time.Millisecond

	var failedErr error
	cfg.OnFailed = func(fileID string, err error) { failedErr = err }

	e := newTestEngine(t, cfg, tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(500))
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}

	// Past the discovery timeout the transfer stays pending, not failed
	time.Sleep(300 * time.Millisecond)
	if failedErr != nil {
		t.Errorf("Transfer failed without give-up policy: %v", failedErr)
	}
	e.mu.Lock()
	_, live := e.transfers[ch.meta.FileID]
	e.mu.Unlock()
	if !live {
		t.Error("Transfer should still be pending")
	}
}

func TestSeederEvictionAfterRepeatedFailures(t *testing.T) {
	tr := newCapture()
	cfg := testConfig("peer-B")
	cfg.PieceRequestTimeout = 40 * time.Millisecond
	cfg.SeederFailureLimit = 2
	cfg.MaxPieceRetries = -1 // retry forever, eviction is what we watch

	e := newTestEngine(t, cfg, tr)
	e.JoinChannel("chan-1", nil)

	ch := chunkFor(t, e, fileBytes(500))
	if err := e.StartDownload("chan-1", ch.meta, nil); err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}
	tr.inject(t, "chan-1", protocol.MsgSourceAnnounce, protocol.SourceAnnounce{
		FileID: ch.meta.FileID, SenderID: "dead-seeder",
	})

	// Two unanswered requests evict the seeder from rotation
	tr.next(t, protocol.MsgPieceRequest, time.Second)
	tr.next(t, protocol.MsgPieceRequest, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		n := e.transfers[ch.meta.FileID].ring.Len()
		e.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Seeder was never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
