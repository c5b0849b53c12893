package chunker

import (
	"bytes"
	"testing"

	"github.com/meshchat/fileshare/pkg/hash"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func TestDescribe(t *testing.T) {
	// 300KB at 128KB pieces -> 128, 128, 44
	data := testData(300 * 1024)

	c := New(DefaultPieceSize)
	meta, err := c.Describe("video.mp4", "video/mp4", data)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	if meta.FileID == "" {
		t.Error("Expected generated file ID")
	}
	if meta.FileName != "video.mp4" {
		t.Errorf("Expected name video.mp4, got %s", meta.FileName)
	}
	if meta.FileSize != 300*1024 {
		t.Errorf("Expected size %d, got %d", 300*1024, meta.FileSize)
	}
	if meta.PieceCount != 3 {
		t.Errorf("Expected 3 pieces, got %d", meta.PieceCount)
	}
	if len(meta.PieceHashes) != meta.PieceCount {
		t.Errorf("Expected %d hashes, got %d", meta.PieceCount, len(meta.PieceHashes))
	}
	if err := meta.Validate(); err != nil {
		t.Errorf("Describe produced invalid metadata: %v", err)
	}

	// Each declared hash must match the corresponding byte range
	for i := 0; i < meta.PieceCount; i++ {
		piece, err := c.Piece(data, i)
		if err != nil {
			t.Fatalf("Piece(%d) failed: %v", i, err)
		}
		if !hash.Verify(piece, meta.PieceHashes[i]) {
			t.Errorf("Piece %d hash mismatch", i)
		}
	}
}

func TestDescribeGeneratesUniqueIDs(t *testing.T) {
	c := New(256)
	data := testData(1024)

	a, err := c.Describe("a.bin", "application/octet-stream", data)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	b, err := c.Describe("a.bin", "application/octet-stream", data)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if a.FileID == b.FileID {
		t.Error("Two uploads of the same bytes must get distinct file IDs")
	}
}

func TestDescribeEmptyFile(t *testing.T) {
	c := New(256)
	if _, err := c.Describe("empty", "text/plain", nil); err == nil {
		t.Error("Expected error for empty file")
	}
}

func TestPieceRanges(t *testing.T) {
	c := New(256)
	data := testData(600) // pieces: 256, 256, 88

	p0, err := c.Piece(data, 0)
	if err != nil {
		t.Fatalf("Piece(0) failed: %v", err)
	}
	if len(p0) != 256 {
		t.Errorf("Piece 0 length %d, want 256", len(p0))
	}

	p2, err := c.Piece(data, 2)
	if err != nil {
		t.Fatalf("Piece(2) failed: %v", err)
	}
	if len(p2) != 88 {
		t.Errorf("Piece 2 length %d, want 88", len(p2))
	}
	if !bytes.Equal(p2, data[512:]) {
		t.Error("Piece 2 content mismatch")
	}

	if _, err := c.Piece(data, 3); err == nil {
		t.Error("Expected out-of-range error for piece 3")
	}
	if _, err := c.Piece(data, -1); err == nil {
		t.Error("Expected out-of-range error for piece -1")
	}
}

func TestPieceCount(t *testing.T) {
	c := New(256)

	tests := []struct {
		fileSize int64
		expected int
	}{
		{0, 0},
		{1, 1},
		{255, 1},
		{256, 1},
		{257, 2},
		{512, 2},
		{1024, 4},
	}

	for _, tt := range tests {
		if got := c.PieceCount(tt.fileSize); got != tt.expected {
			t.Errorf("PieceCount(%d) = %d, want %d", tt.fileSize, got, tt.expected)
		}
	}
}

func TestAssembleRoundTrip(t *testing.T) {
	c := New(200)
	data := testData(1000)

	meta, err := c.Describe("f.bin", "application/octet-stream", data)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	pieces := make([][]byte, meta.PieceCount)
	for i := range pieces {
		p, err := c.Piece(data, i)
		if err != nil {
			t.Fatalf("Piece(%d) failed: %v", i, err)
		}
		pieces[i] = p
	}

	out, err := c.Assemble(meta, pieces)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("Assembled bytes differ from original")
	}
}

func TestAssembleMissingPiece(t *testing.T) {
	c := New(200)
	data := testData(1000)

	meta, err := c.Describe("f.bin", "application/octet-stream", data)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	pieces := make([][]byte, meta.PieceCount)
	for i := range pieces {
		pieces[i], _ = c.Piece(data, i)
	}
	pieces[2] = nil

	if _, err := c.Assemble(meta, pieces); err == nil {
		t.Error("Expected error for missing piece")
	}
}
