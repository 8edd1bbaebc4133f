// Package orchestrator wires together metainfo, state, tracker, the
// committer and one session per peer into a single torrent download run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oreokoo/qbit/internal/commit"
	"github.com/oreokoo/qbit/internal/layout"
	"github.com/oreokoo/qbit/internal/logging"
	"github.com/oreokoo/qbit/internal/metainfo"
	"github.com/oreokoo/qbit/internal/peer"
	"github.com/oreokoo/qbit/internal/peerid"
	"github.com/oreokoo/qbit/internal/paths"
	"github.com/oreokoo/qbit/internal/session"
	"github.com/oreokoo/qbit/internal/state"
	"github.com/oreokoo/qbit/internal/tracker"
)

var log = logging.For("orchestrator")

// connectTimeout bounds the context passed to peer.Dial, which governs
// its TCP dial; the handshake that follows is bounded separately by
// peer.HandshakeTimeout.
const connectTimeout = 10 * time.Second

// Result summarizes one completed run: how many sessions were attempted
// and how many of them returned an error.
type Result struct {
	PeersAttempted int
	PeersFailed    int
}

// Run executes the full download of the torrent described by
// torrentPath into dataDir: parse metadata, load or create persisted
// state, announce to the tracker, start the committer, and fan out one
// session per peer. It returns when ctx is canceled or the committer
// reports a piece it could never write. The committer keeps running after
// the last session ends, so Run does not return merely because every
// session has terminated.
func Run(ctx context.Context, torrentPath, dataDir string) (Result, error) {
	f, err := os.Open(torrentPath)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: opening torrent file: %w", err)
	}
	defer f.Close()

	md, err := metainfo.Parse(f)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: parsing torrent file: %w", err)
	}

	if dataDir == "" {
		dataDir = paths.DataDir(md.InfoHash.String())
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("orchestrator: creating data dir: %w", err)
	}

	st := state.LoadOrNew(dataDir, md.Info.NumPieces())
	fl := layout.Build(dataDir, &md.Info)

	ourID := peerid.Get()
	resp, err := tracker.FetchOrCached(ctx, md, ourID, tracker.ListenPort)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: announcing to tracker: %w", err)
	}

	peers, err := peer.ParseCompactPeers([]byte(resp.Peers))
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: parsing tracker peers: %w", err)
	}
	log.WithField("count", len(peers)).Info("tracker returned peers")

	committer := commit.New(dataDir, fl, st, md.Info.PieceLength)

	// errgroup.WithContext cancels gctx as soon as any Go func returns a
	// non-nil error, so the committer returning ErrFailedCommit (spec.md
	// §7: a failed commit is fatal to the whole download) tears down
	// every session's Run loop via gctx.Done() instead of the program
	// hanging on a committer that has already stopped draining jobs.
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return committer.Run(gctx)
	})

	result := Result{PeersAttempted: len(peers)}
	var mu sync.Mutex
	for _, p := range peers {
		p := p
		group.Go(func() error {
			if err := runSession(gctx, p, md, st, committer); err != nil {
				log.WithError(err).WithField("peer", p.String()).Warn("session ended with error")
				mu.Lock()
				result.PeersFailed++
				mu.Unlock()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return result, err
	}

	log.WithField("attempted", result.PeersAttempted).
		WithField("failed", result.PeersFailed).
		Info("all sessions terminated")
	return result, nil
}

// runSession dials addr within connectTimeout and handshakes within
// peer.HandshakeTimeout, then runs its session to completion under ctx.
func runSession(ctx context.Context, addr peer.Addr, md *metainfo.Metadata, st *state.State, committer *commit.Committer) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := peer.Dial(dialCtx, addr, md.InfoHash, peerid.Get())
	if err != nil {
		return fmt.Errorf("orchestrator: connecting to %s: %w", addr, err)
	}

	sess := session.New(conn, &md.Info, st, committer)
	return sess.Run(ctx)
}
