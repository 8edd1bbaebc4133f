// Package commit implements the single-writer piece committer: it owns
// every on-disk file belonging to a torrent's content, applies completed
// pieces to disk with retry, persists download progress, and fans
// completion/failure events out to every interested peer session.
package commit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oreokoo/qbit/internal/layout"
	"github.com/oreokoo/qbit/internal/logging"
	"github.com/oreokoo/qbit/internal/state"
)

// ErrFailedCommit is returned by Run when a piece could not be written
// after exhausting its retries. Per spec.md §7, a failed commit is fatal
// to the whole download: Run stops (after broadcasting FailedCommit so
// every subscribed session also terminates) rather than continuing to
// drain jobs that can never be durably applied.
var ErrFailedCommit = errors.New("commit: piece commit failed after exhausting retries")

var log = logging.For("commit")

// RetryAttempts is the number of extra attempts a failed commit gets
// before it is reported as a FailedCommit event.
const RetryAttempts = 4

// RetryInterval is the fixed delay between commit retries.
const RetryInterval = 200 * time.Millisecond

// JobQueueDepth is the capacity of the committer's job channel.
const JobQueueDepth = 8

// Job is a verified, complete piece ready to be written to disk.
type Job struct {
	Index uint32
	Data  []byte
}

// EventKind distinguishes the two outcomes a commit can have.
type EventKind int

const (
	// PieceCommit reports that a piece was written and persisted.
	PieceCommit EventKind = iota
	// FailedCommit reports that a piece could not be written after
	// RetryAttempts retries.
	FailedCommit
)

// Event is broadcast to every subscribed session after a job finishes.
type Event struct {
	Kind  EventKind
	Index uint32
}

// Committer is the sole writer of a torrent's on-disk content. It must
// not be used from more than one goroutine; Run owns it for its entire
// lifetime, and Submit and Subscribe are the only safe cross-goroutine
// entry points.
type Committer struct {
	dataDir     string
	layout      layout.FileLayout
	state       *state.State
	pieceLength int64

	jobs  chan Job
	bcast *broadcaster
}

// New constructs a Committer for a torrent's file layout and shared
// state. dataDir is where state.cbor and the content files live;
// pieceLength is the torrent's nominal piece length (every piece's byte
// offset is index*pieceLength, including the last, possibly short, one).
func New(dataDir string, fl layout.FileLayout, st *state.State, pieceLength int64) *Committer {
	return &Committer{
		dataDir:     dataDir,
		layout:      fl,
		state:       st,
		pieceLength: pieceLength,
		jobs:        make(chan Job, JobQueueDepth),
		bcast:       newBroadcaster(),
	}
}

// Submit enqueues a completed, verified piece for writing. It blocks if
// the job queue is full, applying backpressure to the session that
// completed the piece.
func (c *Committer) Submit(job Job) {
	c.jobs <- job
}

// Subscribe registers a new listener for commit events. The returned
// channel is buffered and lossy: if the subscriber falls behind, the
// oldest unread event is dropped to make room, so a slow peer session
// never blocks the committer. Cancel unregisters it.
func (c *Committer) Subscribe() (events <-chan Event, cancel func()) {
	return c.bcast.subscribe()
}

// InitStorage creates every file the layout names, at its declared
// length, if it doesn't already exist. It is idempotent across restarts.
func (c *Committer) InitStorage() error {
	for _, entry := range c.layout.Entries {
		if err := os.MkdirAll(filepath.Dir(entry.AbsPath), 0o755); err != nil {
			return fmt.Errorf("commit: creating directory for %s: %w", entry.AbsPath, err)
		}
		f, err := os.OpenFile(entry.AbsPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("commit: opening %s: %w", entry.AbsPath, err)
		}
		err = f.Truncate(entry.Length)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("commit: sizing %s to %d bytes: %w", entry.AbsPath, entry.Length, err)
		}
		if closeErr != nil {
			return fmt.Errorf("commit: closing %s: %w", entry.AbsPath, closeErr)
		}
	}
	return nil
}

// Run drives the committer's main loop until ctx is canceled or a job
// exhausts its retries: it applies each submitted job to disk, retrying
// on failure, then persists state and broadcasts the outcome. A
// commit that fails after all retries returns ErrFailedCommit, stopping
// the loop, after broadcasting FailedCommit so every subscribed session
// also terminates. It owns the Committer exclusively; nothing else may
// call write on these files while Run is active.
func (c *Committer) Run(ctx context.Context) error {
	if err := c.InitStorage(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-c.jobs:
			if err := c.process(job); err != nil {
				return err
			}
		}
	}
}

func (c *Committer) process(job Job) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(RetryInterval), RetryAttempts)

	err := backoff.Retry(func() error {
		return c.write(job)
	}, policy)

	if err != nil {
		log.WithError(err).WithField("piece", job.Index).Error("commit failed after all retries")
		c.bcast.publish(Event{Kind: FailedCommit, Index: job.Index})
		return fmt.Errorf("%w: piece %d: %s", ErrFailedCommit, job.Index, err)
	}

	c.state.MarkPieceComplete(int(job.Index))
	if err := c.state.Save(c.dataDir); err != nil {
		log.WithError(err).Warn("failed to persist state after commit")
	}
	c.bcast.publish(Event{Kind: PieceCommit, Index: job.Index})
	return nil
}

// write applies one piece's bytes across every file it spans, per
// spec.md §4.8: a piece near a file boundary in a multi-file torrent may
// need a separate write to each of the files it overlaps.
func (c *Committer) write(job Job) error {
	start := int64(job.Index) * c.pieceLength
	end := start + int64(len(job.Data))

	for _, span := range c.layout.Overlaps(start, end) {
		if err := writeSpan(span, job.Data); err != nil {
			return fmt.Errorf("commit: writing piece %d to %s: %w", job.Index, span.Entry.AbsPath, err)
		}
	}
	return nil
}

func writeSpan(span layout.Span, data []byte) error {
	f, err := os.OpenFile(span.Entry.AbsPath, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	chunk := data[span.ContentOffset : span.ContentOffset+span.Length]
	if _, err := f.WriteAt(chunk, span.FileOffset); err != nil {
		return err
	}
	return nil
}
