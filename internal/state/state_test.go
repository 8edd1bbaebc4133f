package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreokoo/qbit/internal/state"
)

func TestMarkPieceCompleteTracksDownloadedCount(t *testing.T) {
	s := state.New(10)

	s.AddInFlight(3)
	s.MarkPieceComplete(3)

	assert.Equal(t, 1, s.DownloadedCount())
	assert.True(t, s.HavePiece(3))
	assert.False(t, s.IsInFlight(3))

	// idempotent on an already-complete piece
	s.MarkPieceComplete(3)
	assert.Equal(t, 1, s.DownloadedCount())
}

func TestIsComplete(t *testing.T) {
	s := state.New(2)
	assert.False(t, s.IsComplete())

	s.MarkPieceComplete(0)
	assert.False(t, s.IsComplete())

	s.MarkPieceComplete(1)
	assert.True(t, s.IsComplete())
}

func TestReservationFairness(t *testing.T) {
	// Scenario 2 from spec.md §8: two peers both have piece 5.
	s := state.New(10)
	peerBitfield := s.OwnedBitfield()
	_, _ = peerBitfield.Set(5, 10)

	idx, ok := s.ReserveInterestingPiece(peerBitfield)
	require.True(t, ok)
	assert.Equal(t, 5, idx)
	assert.True(t, s.IsInFlight(5))

	_, ok = s.ReserveInterestingPiece(peerBitfield)
	assert.False(t, ok, "piece 5 is already reserved, and it's the only interesting piece")
}

func TestChokeMidPieceReleasesReservation(t *testing.T) {
	// Scenario 3 from spec.md §8.
	s := state.New(10)
	s.AddInFlight(7)

	s.RemoveInFlight(7)

	assert.False(t, s.IsInFlight(7))
	assert.False(t, s.HavePiece(7))
	assert.Equal(t, 0, s.DownloadedCount())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	// Scenario 5 from spec.md §8.
	dir := t.TempDir()

	s := state.New(10)
	for _, i := range []int{1, 4, 7} {
		s.AddInFlight(i)
		s.MarkPieceComplete(i)
	}
	require.NoError(t, s.Save(dir))

	loaded := state.LoadOrNew(dir, 10)
	assert.Equal(t, 3, loaded.DownloadedCount())
	assert.True(t, loaded.HavePiece(1))
	assert.True(t, loaded.HavePiece(4))
	assert.True(t, loaded.HavePiece(7))
	assert.False(t, loaded.HavePiece(2))
	assert.False(t, loaded.IsInFlight(1))
	assert.False(t, loaded.IsComplete())
}

func TestLoadOrNewRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.cbor"), []byte("not cbor at all"), 0o644))

	s := state.LoadOrNew(dir, 5)
	assert.Equal(t, 0, s.DownloadedCount())
}
