package commit_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreokoo/qbit/internal/commit"
	"github.com/oreokoo/qbit/internal/layout"
	"github.com/oreokoo/qbit/internal/metainfo"
	"github.com/oreokoo/qbit/internal/state"
)

func TestInitStorageCreatesFilesAtDeclaredLength(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "movie.mkv", SingleLength: 5000, PieceLength: 1000, Pieces: make([]byte, 100)}
	fl := layout.Build(dir, info)
	st := state.New(5)

	c := commit.New(dir, fl, st, info.PieceLength)
	require.NoError(t, c.InitStorage())

	fi, err := os.Stat(filepath.Join(dir, "movie.mkv.tmp"))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), fi.Size())
}

func TestRunCommitsSinglePieceAndBroadcasts(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "movie.mkv", SingleLength: 2000, PieceLength: 1000, Pieces: make([]byte, 40)}
	fl := layout.Build(dir, info)
	st := state.New(2)

	c := commit.New(dir, fl, st, info.PieceLength)
	events, cancel := c.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(ctx)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = 0xAB
	}
	st.AddInFlight(0)
	c.Submit(commit.Job{Index: 0, Data: data})

	select {
	case ev := <-events:
		assert.Equal(t, commit.PieceCommit, ev.Kind)
		assert.Equal(t, uint32(0), ev.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit event")
	}

	assert.True(t, st.HavePiece(0))

	written, err := os.ReadFile(filepath.Join(dir, "movie.mkv.tmp"))
	require.NoError(t, err)
	assert.Equal(t, data, written[:1000])
}

func TestRunSpansMultipleFiles(t *testing.T) {
	// Mirrors spec.md §8 scenario 6: a piece near a file boundary is
	// split across two on-disk files.
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "album",
		IsMultiFile: true,
		PieceLength: 32768,
		Pieces:      make([]byte, 20),
		Files: []metainfo.FileEntry{
			{Length: 30000, PathSegments: []string{"a"}},
			{Length: 20000, PathSegments: []string{"b"}},
		},
	}
	fl := layout.Build(dir, info)
	st := state.New(1)

	c := commit.New(dir, fl, st, info.PieceLength)
	events, cancel := c.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(ctx)

	data := make([]byte, 32768)
	for i := range data {
		data[i] = byte(i)
	}
	st.AddInFlight(0)
	c.Submit(commit.Job{Index: 0, Data: data})

	select {
	case ev := <-events:
		require.Equal(t, commit.PieceCommit, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit event")
	}

	a, err := os.ReadFile(filepath.Join(dir, "album", "a.tmp"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "album", "b.tmp"))
	require.NoError(t, err)

	assert.Equal(t, data[:30000], a)
	assert.Equal(t, data[30000:], b[:2768])
}

func TestRunReturnsErrFailedCommitAfterRetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "x", SingleLength: 2000, PieceLength: 1000, Pieces: make([]byte, 40)}
	fl := layout.Build(dir, info)
	st := state.New(2)

	c := commit.New(dir, fl, st, info.PieceLength)
	events, cancel := c.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// The first piece commits normally, proving Run's one-time
	// InitStorage call already succeeded before we corrupt the file.
	st.AddInFlight(0)
	c.Submit(commit.Job{Index: 0, Data: make([]byte, 1000)})
	select {
	case ev := <-events:
		require.Equal(t, commit.PieceCommit, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first commit")
	}

	// Replace the content file with a directory: every write attempt for
	// the second piece now fails, regardless of process privilege.
	path := fl.Entries[0].AbsPath
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	st.AddInFlight(1)
	c.Submit(commit.Job{Index: 1, Data: make([]byte, 1000)})

	select {
	case ev := <-events:
		assert.Equal(t, commit.FailedCommit, ev.Kind)
		assert.Equal(t, uint32(1), ev.Index)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for FailedCommit event")
	}

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, commit.ErrFailedCommit)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after exhausting retries")
	}
}

func TestSubscribeLossyDropsOldestWhenFull(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "x", SingleLength: 100 * 1000, PieceLength: 1000, Pieces: make([]byte, 2000)}
	fl := layout.Build(dir, info)
	st := state.New(100)

	c := commit.New(dir, fl, st, info.PieceLength)
	events, cancel := c.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(ctx)

	// Submit far more pieces than the subscriber channel can buffer
	// without ever draining events; the committer must never block.
	for i := 0; i < 100; i++ {
		st.AddInFlight(i)
		c.Submit(commit.Job{Index: uint32(i), Data: make([]byte, 1000)})
	}

	require.Eventually(t, func() bool {
		return st.DownloadedCount() == 100
	}, 3*time.Second, 10*time.Millisecond)

	// Drain whatever made it into the lossy channel; it must be a small,
	// bounded tail, not all 100 events.
	drained := 0
loop:
	for {
		select {
		case <-events:
			drained++
		default:
			break loop
		}
	}
	assert.LessOrEqual(t, drained, 16)
}
