package seedstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DiskStore keeps each file's bytes in its own blob under baseDir/seeds and
// the record metadata in a single JSON index. The index is rewritten after
// every mutation; records are small in number (quota-bounded), so this stays
// cheap.
type DiskStore struct {
	mu      sync.Mutex
	baseDir string
	quota   int64
	index   map[string]*Record // bytes not held in memory
	total   int64
}

// NewDiskStore opens (or creates) a disk store rooted at baseDir with the
// given total-byte quota.
func NewDiskStore(baseDir string, quota int64) (*DiskStore, error) {
	if quota <= 0 {
		return nil, fmt.Errorf("seedstore: quota must be positive, got %d", quota)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "seeds"), 0755); err != nil {
		return nil, fmt.Errorf("seedstore: create dirs: %w", err)
	}

	s := &DiskStore{
		baseDir: baseDir,
		quota:   quota,
		index:   make(map[string]*Record),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *DiskStore) blobPath(fileID string) string {
	return filepath.Join(s.baseDir, "seeds", fileID+".bin")
}

func (s *DiskStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("seedstore: read index: %w", err)
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("seedstore: parse index: %w", err)
	}
	for _, rec := range records {
		// A record whose blob vanished is dropped rather than served broken
		if _, err := os.Stat(s.blobPath(rec.FileID)); err != nil {
			continue
		}
		s.index[rec.FileID] = rec
		s.total += rec.Metadata.FileSize
	}
	return nil
}

// saveIndex writes the index atomically via rename
func (s *DiskStore) saveIndex() error {
	records := make([]*Record, 0, len(s.index))
	for _, rec := range s.index {
		records = append(records, rec)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

// Put writes a record, evicting oldest-first when needed
func (s *DiskStore) Put(rec *Record) error {
	size := int64(len(rec.Bytes))
	if size == 0 || rec.Metadata == nil || rec.FileID == "" {
		return fmt.Errorf("seedstore: incomplete record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if size > s.quota {
		return ErrQuotaExceeded
	}

	// Evict oldest records until the new one fits. Replacing an existing
	// record frees its old size first.
	if old, ok := s.index[rec.FileID]; ok {
		s.removeLocked(old)
	}
	for s.total+size > s.quota {
		oldest := s.oldestLocked()
		if oldest == nil {
			return ErrQuotaExceeded
		}
		s.removeLocked(oldest)
	}

	if err := os.WriteFile(s.blobPath(rec.FileID), rec.Bytes, 0644); err != nil {
		return fmt.Errorf("seedstore: write blob: %w", err)
	}

	stored := *rec
	stored.Bytes = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.index[rec.FileID] = &stored
	s.total += size
	return s.saveIndex()
}

func (s *DiskStore) oldestLocked() *Record {
	var oldest *Record
	for _, rec := range s.index {
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest = rec
		}
	}
	return oldest
}

func (s *DiskStore) removeLocked(rec *Record) {
	os.Remove(s.blobPath(rec.FileID))
	delete(s.index, rec.FileID)
	s.total -= rec.Metadata.FileSize
}

// Get returns a record with its bytes loaded from disk
func (s *DiskStore) Get(fileID string) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.index[fileID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	bytes, err := os.ReadFile(s.blobPath(fileID))
	if err != nil {
		return nil, fmt.Errorf("seedstore: read blob: %w", err)
	}
	out := *rec
	out.Bytes = bytes
	return &out, nil
}

// Delete removes a record and its blob
func (s *DiskStore) Delete(fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[fileID]
	if !ok {
		return ErrNotFound
	}
	s.removeLocked(rec)
	return s.saveIndex()
}

// LoadAll returns every surviving record with bytes, oldest first
func (s *DiskStore) LoadAll() ([]*Record, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// PurgeExpired removes records created before cutoff
func (s *DiskStore) PurgeExpired(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Record
	for _, rec := range s.index {
		if rec.CreatedAt.Before(cutoff) {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		s.removeLocked(rec)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	return len(expired), s.saveIndex()
}

// TotalBytes returns the bytes counted against the quota
func (s *DiskStore) TotalBytes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, nil
}

// Close is a no-op for the disk store
func (s *DiskStore) Close() error {
	return nil
}

var _ Store = (*DiskStore)(nil)
