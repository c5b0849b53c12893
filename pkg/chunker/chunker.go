package chunker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/meshchat/fileshare/pkg/hash"
	"github.com/meshchat/fileshare/pkg/protocol"
)

const (
	// DefaultPieceSize is 128KB. Every peer on a channel must use the same
	// piece size, so this is not negotiated per file.
	DefaultPieceSize = 128 * 1024
	// MaxPieceSize is 1MB
	MaxPieceSize = 1024 * 1024
)

// Chunker partitions files into fixed-size pieces and hashes them
type Chunker struct {
	PieceSize int64
}

// New creates a Chunker with the specified piece size
func New(pieceSize int64) *Chunker {
	if pieceSize <= 0 {
		pieceSize = DefaultPieceSize
	}
	if pieceSize > MaxPieceSize {
		pieceSize = MaxPieceSize
	}
	return &Chunker{PieceSize: pieceSize}
}

// Describe partitions data, hashes each piece sequentially and returns
// immutable metadata under a freshly generated file ID. Empty input is an
// error: a zero-piece file can never complete a transfer.
func (c *Chunker) Describe(name, mimeType string, data []byte) (*protocol.FileMetadata, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot describe empty file %q", name)
	}

	count := c.PieceCount(int64(len(data)))
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		piece, err := c.Piece(data, i)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash.Calculate(piece))
	}

	return &protocol.FileMetadata{
		FileID:      uuid.New().String(),
		FileName:    name,
		FileSize:    int64(len(data)),
		MimeType:    mimeType,
		PieceCount:  count,
		PieceHashes: hashes,
	}, nil
}

// Piece returns the byte range for one piece index. The final piece may be
// shorter than PieceSize.
func (c *Chunker) Piece(data []byte, index int) ([]byte, error) {
	start := int64(index) * c.PieceSize
	if index < 0 || start >= int64(len(data)) {
		return nil, fmt.Errorf("piece index %d out of range for %d bytes", index, len(data))
	}
	end := start + c.PieceSize
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end], nil
}

// PieceCount calculates how many pieces a file of fileSize bytes will have
func (c *Chunker) PieceCount(fileSize int64) int {
	count := fileSize / c.PieceSize
	if fileSize%c.PieceSize != 0 {
		count++
	}
	return int(count)
}

// Assemble concatenates verified pieces, in index order, into the final file
// and checks the result against the declared metadata.
func (c *Chunker) Assemble(meta *protocol.FileMetadata, pieces [][]byte) ([]byte, error) {
	if len(pieces) != meta.PieceCount {
		return nil, fmt.Errorf("assemble %s: have %d pieces, want %d", meta.FileID, len(pieces), meta.PieceCount)
	}

	out := make([]byte, 0, meta.FileSize)
	for i, piece := range pieces {
		if piece == nil {
			return nil, fmt.Errorf("assemble %s: piece %d missing", meta.FileID, i)
		}
		out = append(out, piece...)
	}

	if int64(len(out)) != meta.FileSize {
		return nil, fmt.Errorf("assemble %s: got %d bytes, want %d", meta.FileID, len(out), meta.FileSize)
	}
	return out, nil
}
