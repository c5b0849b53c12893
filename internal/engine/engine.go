// Package engine implements the chunked peer-to-peer file distribution core:
// announcing files over a broadcast channel, discovering seeders, downloading
// missing pieces with bounded concurrency and per-piece verification, serving
// pieces for held files, and persisting completed transfers for re-seeding.
package engine

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshchat/fileshare/internal/seedstore"
	"github.com/meshchat/fileshare/internal/transport"
	"github.com/meshchat/fileshare/pkg/chunker"
	"github.com/meshchat/fileshare/pkg/logger"
	"github.com/meshchat/fileshare/pkg/protocol"
	"github.com/meshchat/fileshare/pkg/throttle"
)

// ShareResult is delivered once per Share call
type ShareResult struct {
	Metadata *protocol.FileMetadata
	Err      error
}

// Engine is one node's file-distribution state. It owns every per-file
// transfer and holding; nothing is shared ambiently.
type Engine struct {
	cfg     Config
	log     *logger.Logger
	tr      transport.Transport
	store   seedstore.Store // nil disables persistence
	chunker *chunker.Chunker
	pool    *chunker.Pool
	limiter *throttle.Limiter // nil means unlimited upload

	mu        sync.Mutex
	transfers map[string]*transfer
	holdings  map[string]*localFile
	closed    bool
}

// New creates an Engine over the given transport. A nil store disables
// persistence. Surviving seed records are purged of expired entries and
// reloaded into memory so the node resumes serving them immediately.
func New(cfg Config, tr transport.Transport, store seedstore.Store, log *logger.Logger) (*Engine, error) {
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("engine: peer id is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.New("engine")
	}

	ch := chunker.New(cfg.PieceSize)
	e := &Engine{
		cfg:       cfg,
		log:       log,
		tr:        tr,
		store:     store,
		chunker:   ch,
		pool:      chunker.NewPool(ch, cfg.HashWorkers),
		transfers: make(map[string]*transfer),
		holdings:  make(map[string]*localFile),
	}
	if cfg.UploadRate > 0 {
		e.limiter = throttle.NewLimiter(cfg.UploadRate)
	}

	if store != nil {
		if err := e.restore(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// restore purges expired seed records and reloads the survivors
func (e *Engine) restore() error {
	cutoff := time.Now().Add(-e.cfg.SeedExpiry)
	purged, err := e.store.PurgeExpired(cutoff)
	if err != nil {
		return fmt.Errorf("engine: purge expired seeds: %w", err)
	}
	if purged > 0 {
		e.log.Info("purged %d expired seed records", purged)
	}

	records, err := e.store.LoadAll()
	if err != nil {
		return fmt.Errorf("engine: reload seeds: %w", err)
	}
	for _, rec := range records {
		e.holdings[rec.FileID] = &localFile{
			meta:      rec.Metadata,
			data:      rec.Bytes,
			channel:   rec.ChannelRef,
			persisted: true,
		}
	}
	if len(records) > 0 {
		e.log.Info("resumed seeding %d persisted files", len(records))
	}
	return nil
}

// JoinChannel subscribes the engine to a channel's file-transfer traffic and
// re-announces every held file associated with it, so a reconnecting node is
// immediately discoverable again. A non-nil key enables payload encryption
// when the transport supports it.
func (e *Engine) JoinChannel(channelRef string, key []byte) error {
	if key != nil {
		keyer, ok := e.tr.(transport.ChannelKeyer)
		if !ok {
			return fmt.Errorf("engine: transport cannot encrypt channel payloads")
		}
		if err := keyer.SetChannelKey(channelRef, key); err != nil {
			return err
		}
	}
	if err := e.tr.Subscribe(channelRef, e.handleMessage); err != nil {
		return err
	}
	e.ReannounceForChannel(channelRef)
	return nil
}

// LeaveChannel stops listening on a channel
func (e *Engine) LeaveChannel(channelRef string) error {
	return e.tr.Unsubscribe(channelRef)
}

// Share hashes data off the critical path and registers the result as a held
// file this node serves and (policy permitting) persists. The returned
// channel delivers exactly one result; on error nothing is registered and no
// metadata exists to announce.
func (e *Engine) Share(channelRef, name, mimeType string, data []byte) <-chan ShareResult {
	out := make(chan ShareResult, 1)
	result := e.pool.Submit(name, mimeType, data)

	go func() {
		res := <-result
		if res.Err != nil {
			e.log.Error("hashing %q failed: %v", name, res.Err)
			out <- ShareResult{Err: res.Err}
			return
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			out <- ShareResult{Err: fmt.Errorf("engine closed")}
			return
		}
		e.holdings[res.Metadata.FileID] = &localFile{
			meta:    res.Metadata,
			data:    res.Data,
			channel: channelRef,
		}
		e.mu.Unlock()

		e.log.Info("sharing %s (%s, %d pieces)", res.Metadata.FileID, name, res.Metadata.PieceCount)
		e.persistHolding(res.Metadata.FileID)
		out <- ShareResult{Metadata: res.Metadata}
	}()
	return out
}

// StartDownload begins fetching a file announced on a channel. Starting a
// download that is already live is a no-op. A non-nil key enables payload
// encryption as in JoinChannel.
func (e *Engine) StartDownload(channelRef string, meta *protocol.FileMetadata, key []byte) error {
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("engine: reject download: %w", err)
	}
	if key != nil {
		if keyer, ok := e.tr.(transport.ChannelKeyer); ok {
			if err := keyer.SetChannelKey(channelRef, key); err != nil {
				return err
			}
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	if _, live := e.transfers[meta.FileID]; live {
		e.mu.Unlock()
		e.log.Debug("download %s already in progress", meta.FileID)
		return nil
	}
	if _, held := e.holdings[meta.FileID]; held {
		e.mu.Unlock()
		e.log.Debug("download %s skipped, file already held", meta.FileID)
		return nil
	}
	t := newTransfer(channelRef, meta, e.cfg.SeederFailureLimit)
	e.transfers[meta.FileID] = t
	e.mu.Unlock()

	e.log.Info("download %s started (%s, %d pieces, %d bytes)",
		meta.FileID, meta.FileName, meta.PieceCount, meta.FileSize)

	e.broadcastSourceRequest(t)
	go e.runDiscovery(t)
	return nil
}

// CancelDownload discards a transfer. In-flight responses for it become
// unsolicited noise and are dropped by the usual lookups.
func (e *Engine) CancelDownload(fileID string) {
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if ok {
		delete(e.transfers, fileID)
		t.stopTimers()
		close(t.stop)
	}
	e.mu.Unlock()
	if ok {
		e.log.Info("download %s cancelled", fileID)
	}
}

// IsSeeding reports whether this node holds the complete file
func (e *Engine) IsSeeding(fileID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.holdings[fileID]
	return ok
}

// Open returns a reader over a held file's bytes
func (e *Engine) Open(fileID string) (io.ReadCloser, error) {
	e.mu.Lock()
	lf, ok := e.holdings[fileID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: file %s not held", fileID)
	}
	return io.NopCloser(bytes.NewReader(lf.data)), nil
}

// Metadata returns the metadata of a held file
func (e *Engine) Metadata(fileID string) (*protocol.FileMetadata, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lf, ok := e.holdings[fileID]
	if !ok {
		return nil, false
	}
	return lf.meta, true
}

// RemoveFile drops a held file and its durable record
func (e *Engine) RemoveFile(fileID string) error {
	e.mu.Lock()
	lf, ok := e.holdings[fileID]
	if ok {
		delete(e.holdings, fileID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: file %s not held", fileID)
	}

	if lf.persisted && e.store != nil {
		if err := e.store.Delete(fileID); err != nil && err != seedstore.ErrNotFound {
			return err
		}
	}
	return nil
}

// Holdings returns the IDs of every held file, sorted for stable output
func (e *Engine) Holdings() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.holdings))
	for id := range e.holdings {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close cancels every live transfer and stops the hashing pool. The
// transport and store belong to the caller and are not closed here.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, t := range e.transfers {
		delete(e.transfers, id)
		t.stopTimers()
		close(t.stop)
	}
	e.mu.Unlock()

	e.pool.Close()
	return nil
}

// selfSender reports whether a sender identity is this node, matching
// case-insensitively like piece-request targeting does.
func (e *Engine) selfSender(senderID string) bool {
	return strings.EqualFold(senderID, e.cfg.PeerID)
}

// handleMessage is the transport callback: every inbound payload is decoded
// and type-switched here. Anything malformed, stale or unsolicited is
// silently dropped.
func (e *Engine) handleMessage(channelID string, payload []byte) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		e.log.Debug("dropping undecodable message on %s: %v", channelID, err)
		return
	}

	switch env.Type {
	case protocol.MsgSourceRequest:
		var req protocol.SourceRequest
		if err := protocol.DecodePayload(env, &req); err != nil {
			e.log.Debug("dropping bad source_request: %v", err)
			return
		}
		e.handleSourceRequest(channelID, &req)

	case protocol.MsgSourceAnnounce:
		var ann protocol.SourceAnnounce
		if err := protocol.DecodePayload(env, &ann); err != nil {
			e.log.Debug("dropping bad source_announce: %v", err)
			return
		}
		e.handleSourceAnnounce(&ann)

	case protocol.MsgPieceRequest:
		var req protocol.PieceRequest
		if err := protocol.DecodePayload(env, &req); err != nil {
			e.log.Debug("dropping bad piece_request: %v", err)
			return
		}
		e.handlePieceRequest(channelID, &req)

	case protocol.MsgFilePiece:
		var piece protocol.FilePiece
		if err := protocol.DecodePayload(env, &piece); err != nil {
			e.log.Debug("dropping bad file_piece: %v", err)
			return
		}
		e.handleFilePiece(&piece)

	default:
		// Other traffic on the channel (chat, membership) is not ours
	}
}

// broadcast encodes and publishes one protocol message
func (e *Engine) broadcast(channelID string, kind protocol.MessageType, body interface{}) {
	payload, err := protocol.Encode(kind, body)
	if err != nil {
		e.log.Error("encode %s failed: %v", kind, err)
		return
	}
	if err := e.tr.Broadcast(channelID, payload); err != nil {
		e.log.Warn("broadcast %s failed: %v", kind, err)
	}
}

// persistHolding writes a held file to the seed store, respecting the
// channel privacy policy. Persistence is best-effort: failures are logged
// and the in-memory seeding path is unaffected.
func (e *Engine) persistHolding(fileID string) {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	lf, ok := e.holdings[fileID]
	e.mu.Unlock()
	if !ok {
		return
	}

	if e.cfg.ChannelPrivate != nil && e.cfg.ChannelPrivate(lf.channel) && !e.cfg.PersistPrivateChannels {
		e.log.Debug("not persisting %s: private channel %s", fileID, lf.channel)
		return
	}

	err := e.store.Put(&seedstore.Record{
		FileID:     fileID,
		ChannelRef: lf.channel,
		Metadata:   lf.meta,
		Bytes:      lf.data,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		e.log.Warn("persisting %s failed, seeding from memory only: %v", fileID, err)
		return
	}

	e.mu.Lock()
	if lf, ok := e.holdings[fileID]; ok {
		lf.persisted = true
	}
	e.mu.Unlock()
}
