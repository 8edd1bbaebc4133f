// Package piece implements the block-pipelined download buffer for a
// single in-flight piece: it tiles a piece into 16 KiB blocks, tracks
// which are pending/on-fly/received, and verifies the assembled buffer's
// SHA-1 once complete.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
)

// MaxBlockLen is the standard BitTorrent block size.
const MaxBlockLen = 16384

// PipelineDepth is the maximum number of simultaneously in-flight block
// requests for one piece.
const PipelineDepth = 4

var (
	// ErrBadPiece is returned when update_buffer's index or data length
	// don't match the expected value for the given offset.
	ErrBadPiece = errors.New("piece: bad piece data")
	// ErrDuplicateBlock is returned when a block at an already-received
	// offset arrives again.
	ErrDuplicateBlock = errors.New("piece: duplicate block")
	// ErrUnexpectedBlock is returned when a block arrives for an offset
	// that was never requested.
	ErrUnexpectedBlock = errors.New("piece: unexpected block")
)

type block struct {
	offset uint32
	length uint32
}

// Request is a block request ready to be sent as a wire Request message.
type Request struct {
	Index  uint32
	Offset uint32
	Length uint32
}

// Piece is the exclusive, single-owner accumulation buffer for one
// in-flight piece download.
type Piece struct {
	index       uint32
	pieceLen    uint32
	maxBlockLen uint32

	pending  []block
	onFly    map[uint32]struct{}
	received map[uint32]struct{}

	buffer []byte
}

// New constructs a Piece for index with the given length, tiling it into
// MaxBlockLen blocks (the last of which may be short).
func New(index uint32, pieceLen uint32) *Piece {
	p := &Piece{
		index:       index,
		pieceLen:    pieceLen,
		maxBlockLen: MaxBlockLen,
		onFly:       make(map[uint32]struct{}),
		received:    make(map[uint32]struct{}),
		buffer:      make([]byte, pieceLen),
	}
	p.rebuildPending()
	return p
}

func (p *Piece) rebuildPending() {
	p.pending = p.pending[:0]
	var offset uint32
	for offset < p.pieceLen {
		length := p.maxBlockLen
		if offset+length > p.pieceLen {
			length = p.pieceLen - offset
		}
		p.pending = append(p.pending, block{offset: offset, length: length})
		offset += length
	}
}

func (p *Piece) totalBlocks() int {
	return (int(p.pieceLen) + int(p.maxBlockLen) - 1) / int(p.maxBlockLen)
}

// Index returns the piece index this buffer belongs to.
func (p *Piece) Index() uint32 {
	return p.index
}

// CanRequestMore reports whether fewer than PipelineDepth blocks are
// currently on the wire.
func (p *Piece) CanRequestMore() bool {
	return len(p.onFly) < PipelineDepth
}

// NextBlock pops the next pending block, marks it on-fly, and returns the
// Request to send. It returns (Request{}, false) once pending is empty.
func (p *Piece) NextBlock() (Request, bool) {
	if len(p.pending) == 0 {
		return Request{}, false
	}
	b := p.pending[0]
	p.pending = p.pending[1:]
	p.onFly[b.offset] = struct{}{}
	return Request{Index: p.index, Offset: b.offset, Length: b.length}, true
}

func (p *Piece) expectedBlockLen(offset uint32) uint32 {
	if offset+p.maxBlockLen > p.pieceLen {
		return p.pieceLen - offset
	}
	return p.maxBlockLen
}

// UpdateBuffer ingests a Piece wire message's payload for this piece.
func (p *Piece) UpdateBuffer(index, offset uint32, data []byte) error {
	if index != p.index {
		return fmt.Errorf("%w: expected piece %d, got %d", ErrBadPiece, p.index, index)
	}
	if offset >= p.pieceLen {
		return fmt.Errorf("%w: offset %d beyond piece length %d", ErrBadPiece, offset, p.pieceLen)
	}
	expected := p.expectedBlockLen(offset)
	if uint32(len(data)) != expected {
		return fmt.Errorf("%w: expected %d bytes at offset %d, got %d", ErrBadPiece, expected, offset, len(data))
	}
	if _, ok := p.received[offset]; ok {
		return fmt.Errorf("%w: offset %d", ErrDuplicateBlock, offset)
	}
	if _, ok := p.onFly[offset]; !ok {
		return fmt.Errorf("%w: offset %d", ErrUnexpectedBlock, offset)
	}

	copy(p.buffer[offset:offset+expected], data)
	delete(p.onFly, offset)
	p.received[offset] = struct{}{}
	return nil
}

// IsComplete reports whether every block has been received and none are
// still on-fly.
func (p *Piece) IsComplete() bool {
	return len(p.received) == p.totalBlocks() && len(p.onFly) == 0
}

// Verify reports whether the assembled buffer's SHA-1 matches expected.
func (p *Piece) Verify(expected [20]byte) bool {
	return sha1.Sum(p.buffer) == expected
}

// Bytes returns the assembled piece buffer. Only meaningful once
// IsComplete and Verify both hold.
func (p *Piece) Bytes() []byte {
	return p.buffer
}

// Reset clears all progress, as spec.md §4.5 requires when a peer chokes
// mid-download: the buffer is zeroed and every block returns to pending.
func (p *Piece) Reset() {
	for i := range p.buffer {
		p.buffer[i] = 0
	}
	for k := range p.onFly {
		delete(p.onFly, k)
	}
	for k := range p.received {
		delete(p.received, k)
	}
	p.rebuildPending()
}
