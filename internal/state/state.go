// Package state holds the persisted download progress shared by every
// peer session and the committer: the owned-piece bitfield, the
// downloaded-piece count, and the transient in-flight reservation set
// that is never persisted.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/oreokoo/qbit/internal/bitfield"
	"github.com/oreokoo/qbit/internal/logging"
)

var log = logging.For("state")

const stateFileName = "state.cbor"

// State is guarded internally by a mutex; every exported method is safe
// to call concurrently from any session or the committer. Lock order:
// State before any channel send, and a State critical section never spans
// an I/O call: Save copies the fields under the lock and releases it
// before encoding and writing the file.
type State struct {
	mu sync.Mutex

	numPieces       int
	owned           bitfield.Bitfield
	downloadedCount int
	inFlight        map[int]struct{}
}

// persisted is the self-describing CBOR encoding written to disk. Only
// these three fields survive a restart; in_flight is always reset to
// empty on load, matching spec.md §3's invariant (c).
type persisted struct {
	DownloadedCount int    `cbor:"downloaded_count"`
	Owned           []byte `cbor:"owned_bitfield"`
	NumPieces       int    `cbor:"num_pieces"`
}

// New creates a fresh State for a torrent with numPieces pieces, nothing
// downloaded yet.
func New(numPieces int) *State {
	return &State{
		numPieces: numPieces,
		owned:     bitfield.New(numPieces),
		inFlight:  make(map[int]struct{}),
	}
}

func statePath(dataDir string) string {
	return filepath.Join(dataDir, stateFileName)
}

// LoadOrNew loads persisted state from <dataDir>/state.cbor, or returns a
// fresh State for numPieces if no file exists or it fails to decode
// (spec.md §4.2: "on any decode error, returns a fresh State").
func LoadOrNew(dataDir string, numPieces int) *State {
	data, err := os.ReadFile(statePath(dataDir))
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("could not read persisted state, starting fresh")
		}
		return New(numPieces)
	}

	var p persisted
	if err := cbor.Unmarshal(data, &p); err != nil {
		log.WithError(err).Warn("persisted state is corrupt, starting fresh")
		return New(numPieces)
	}
	if p.NumPieces != numPieces {
		log.Warn("persisted state is for a different piece count, starting fresh")
		return New(numPieces)
	}

	owned := bitfield.New(numPieces)
	copy(owned, p.Owned)
	owned.ClearTrailingBits(numPieces)

	return &State{
		numPieces:       numPieces,
		owned:           owned,
		downloadedCount: p.DownloadedCount,
		inFlight:        make(map[int]struct{}),
	}
}

// Save atomically persists the state to <dataDir>/state.cbor via a
// tmp-then-rename write, so a crash mid-write never leaves a torn file.
func (s *State) Save(dataDir string) error {
	s.mu.Lock()
	p := persisted{
		DownloadedCount: s.downloadedCount,
		Owned:           append([]byte(nil), s.owned...),
		NumPieces:       s.numPieces,
	}
	s.mu.Unlock()

	data, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("state: creating data dir: %w", err)
	}

	tmp := statePath(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, statePath(dataDir)); err != nil {
		return fmt.Errorf("state: renaming temp file: %w", err)
	}
	return nil
}

// NumPieces returns the piece count this state was constructed for.
func (s *State) NumPieces() int {
	return s.numPieces
}

// OwnedBitfield returns a defensive copy of the owned-piece bitfield, fit
// for sending as a Bitfield wire message.
func (s *State) OwnedBitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(bitfield.Bitfield(nil), s.owned...)
}

// DownloadedCount returns the number of pieces downloaded so far.
func (s *State) DownloadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadedCount
}

// HavePiece reports whether piece index is owned.
func (s *State) HavePiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	has, _ := s.owned.Has(index, s.numPieces)
	return has
}

// MarkPieceComplete sets bit index. If it was newly set and was in
// flight, downloaded_count is incremented; in either case the index is
// removed from in_flight. Idempotent on an already-complete piece.
func (s *State) MarkPieceComplete(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasSet, err := s.owned.Set(index, s.numPieces)
	if err != nil {
		log.WithError(err).WithField("piece", index).Error("mark complete on out-of-range piece")
		return
	}
	_, wasInFlight := s.inFlight[index]
	if !wasSet && wasInFlight {
		s.downloadedCount++
	}
	delete(s.inFlight, index)
}

// IsInFlight reports whether piece index currently has a reservation.
func (s *State) IsInFlight(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[index]
	return ok
}

// AddInFlight reserves piece index.
func (s *State) AddInFlight(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[index] = struct{}{}
}

// RemoveInFlight releases piece index's reservation, if any.
func (s *State) RemoveInFlight(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, index)
}

// IsComplete reports whether every piece in [0, numPieces) is owned.
func (s *State) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.numPieces; i++ {
		has, _ := s.owned.Has(i, s.numPieces)
		if !has {
			return false
		}
	}
	return true
}

// ReserveInterestingPiece atomically scans peerBitfield & ^owned &
// ^inFlight for the lowest such piece index, reserves it (adds it to
// in_flight) and returns it. It returns (0, false) if no piece in
// peerBitfield is both missing locally and not already reserved by
// another session — this is the linearization point spec.md §4.7 step 3
// and §8's reservation-fairness property rely on.
func (s *State) ReserveInterestingPiece(peerBitfield bitfield.Bitfield) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := bitfield.Wanted(s.owned, peerBitfield, s.numPieces, func(i int) bool {
		_, reserved := s.inFlight[i]
		return !reserved
	})
	if index < 0 {
		return 0, false
	}
	s.inFlight[index] = struct{}{}
	return index, true
}
