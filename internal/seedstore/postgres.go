package seedstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/meshchat/fileshare/pkg/protocol"
)

// PostgresStore implements Store on PostgreSQL, for nodes that already run a
// database and want seed durability beyond the local disk.
type PostgresStore struct {
	db    *sql.DB
	quota int64
}

// NewPostgresStore connects, verifies the connection and creates the schema
func NewPostgresStore(connStr string, quota int64) (*PostgresStore, error) {
	if quota <= 0 {
		return nil, fmt.Errorf("seedstore: quota must be positive, got %d", quota)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("seedstore: connect postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("seedstore: ping postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, quota: quota}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("seedstore: init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seed_files (
		file_id VARCHAR(255) PRIMARY KEY,
		channel_ref VARCHAR(255) NOT NULL,
		file_name VARCHAR(512) NOT NULL,
		mime_type VARCHAR(255),
		file_size BIGINT NOT NULL,
		piece_count INTEGER NOT NULL,
		piece_hashes JSONB NOT NULL,
		data BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_seed_files_channel ON seed_files(channel_ref);
	CREATE INDEX IF NOT EXISTS idx_seed_files_created ON seed_files(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put inserts a record inside one transaction, evicting oldest rows first
// when the quota would be exceeded. Rolling back on ErrQuotaExceeded leaves
// the table untouched.
func (s *PostgresStore) Put(rec *Record) error {
	size := int64(len(rec.Bytes))
	if size == 0 || rec.Metadata == nil || rec.FileID == "" {
		return fmt.Errorf("seedstore: incomplete record")
	}
	if size > s.quota {
		return ErrQuotaExceeded
	}

	hashes, err := json.Marshal(rec.Metadata.PieceHashes)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replacing an existing row must not double-count its size
	if _, err := tx.Exec(`DELETE FROM seed_files WHERE file_id = $1`, rec.FileID); err != nil {
		return err
	}

	var total int64
	if err := tx.QueryRow(`SELECT COALESCE(SUM(file_size), 0) FROM seed_files`).Scan(&total); err != nil {
		return err
	}

	for total+size > s.quota {
		var oldestID string
		var oldestSize int64
		err := tx.QueryRow(
			`SELECT file_id, file_size FROM seed_files ORDER BY created_at ASC LIMIT 1`,
		).Scan(&oldestID, &oldestSize)
		if err == sql.ErrNoRows {
			return ErrQuotaExceeded
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM seed_files WHERE file_id = $1`, oldestID); err != nil {
			return err
		}
		total -= oldestSize
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.Exec(`
		INSERT INTO seed_files (file_id, channel_ref, file_name, mime_type,
			file_size, piece_count, piece_hashes, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.FileID, rec.ChannelRef, rec.Metadata.FileName, rec.Metadata.MimeType,
		rec.Metadata.FileSize, rec.Metadata.PieceCount, hashes, rec.Bytes, createdAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanRecord(scan func(dest ...interface{}) error) (*Record, error) {
	var rec Record
	var meta protocol.FileMetadata
	var hashes []byte
	err := scan(&rec.FileID, &rec.ChannelRef, &meta.FileName, &meta.MimeType,
		&meta.FileSize, &meta.PieceCount, &hashes, &rec.Bytes, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(hashes, &meta.PieceHashes); err != nil {
		return nil, err
	}
	meta.FileID = rec.FileID
	rec.Metadata = &meta
	return &rec, nil
}

const recordColumns = `file_id, channel_ref, file_name, mime_type,
	file_size, piece_count, piece_hashes, data, created_at`

// Get returns one record with its bytes
func (s *PostgresStore) Get(fileID string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT `+recordColumns+` FROM seed_files WHERE file_id = $1`, fileID)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// Delete removes a record
func (s *PostgresStore) Delete(fileID string) error {
	res, err := s.db.Exec(`DELETE FROM seed_files WHERE file_id = $1`, fileID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadAll returns every record, oldest first
func (s *PostgresStore) LoadAll() ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT ` + recordColumns + ` FROM seed_files ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeExpired removes records created before cutoff
func (s *PostgresStore) PurgeExpired(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM seed_files WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TotalBytes returns the bytes counted against the quota
func (s *PostgresStore) TotalBytes() (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(file_size), 0) FROM seed_files`).Scan(&total)
	return total, err
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
