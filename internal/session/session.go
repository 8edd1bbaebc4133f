// Package session drives one peer's protocol state machine: decoding
// wire messages into internal events, keeping choke/interest flags and
// the peer's advertised bitfield in sync, and pipelining block requests
// against a single reserved Piece at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oreokoo/qbit/internal/bitfield"
	"github.com/oreokoo/qbit/internal/commit"
	"github.com/oreokoo/qbit/internal/logging"
	"github.com/oreokoo/qbit/internal/metainfo"
	"github.com/oreokoo/qbit/internal/peer"
	"github.com/oreokoo/qbit/internal/piece"
	"github.com/oreokoo/qbit/internal/state"
	"github.com/oreokoo/qbit/internal/wire"
)

// IdleTimeout is how long a session tolerates silence from its peer
// (including KeepAlive messages) before terminating.
const IdleTimeout = 120 * time.Second

// ErrTimeout is returned by Run when IdleTimeout elapses with no message
// from the peer.
var ErrTimeout = errors.New("session: idle timeout")

// ErrProtocolViolation covers any message that is well-formed on the wire
// but violates the session's expectations: a Piece with no current
// reservation, a Have index beyond the torrent's piece count, or a
// Bitfield of the wrong length.
var ErrProtocolViolation = errors.New("session: protocol violation")

// ErrFailedCommit is returned when the committer reports it could not
// write a piece after exhausting its retries; spec.md §4.7 treats this as
// fatal to the whole download, not just this session.
var ErrFailedCommit = errors.New("session: committer reported a failed commit")

// event is the internal, already-validated translation of an incoming
// wire message.
type event int

const (
	eventNone event = iota
	eventBitfieldUpdated
	eventChokedMe
	eventUnchokedMe
	eventPeerInterested
	eventPeerNotInterested
	eventHave
	eventPieceReceived
	eventKeepAlive
	eventIgnore
)

// Session is one peer's protocol loop. It is not safe for concurrent use;
// Run owns it for its entire lifetime.
type Session struct {
	id   uuid.UUID
	conn *peer.Connection
	info *metainfo.Info
	st   *state.State

	committer    *commit.Committer
	commitEvents <-chan commit.Event
	unsubscribe  func()

	amChoking     bool
	amInterested  bool
	isChoking     bool
	isInterested  bool
	peerBitfield  bitfield.Bitfield
	currentPiece  *piece.Piece

	log *logrus.Entry
}

// New constructs a Session over an already-handshaken connection.
func New(conn *peer.Connection, info *metainfo.Info, st *state.State, committer *commit.Committer) *Session {
	id := uuid.New()
	events, unsubscribe := committer.Subscribe()

	return &Session{
		id:           id,
		conn:         conn,
		info:         info,
		st:           st,
		committer:    committer,
		commitEvents: events,
		unsubscribe:  unsubscribe,
		amChoking:    true,
		isChoking:    true,
		peerBitfield: bitfield.New(info.NumPieces()),
		log:          logging.For("session").WithField("session_id", id.String()).WithField("peer", conn.Addr.String()),
	}
}

// Run executes the session's startup actions and main loop until the
// peer disconnects, a protocol violation occurs, the idle timeout fires,
// or ctx is canceled. It always closes the connection before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer s.unsubscribe()
	// Reservation release per spec.md §4.7: "the session terminates, the
	// peer chokes mid-piece, or a block decode error occurs" all release
	// currentPiece's in-flight slot. The Choke path releases it inline in
	// dispatch; this defer is the backstop for every other exit (error,
	// idle timeout, protocol violation, hash mismatch, ctx cancellation)
	// so a stranded piece never becomes permanently unreservable.
	defer func() {
		if s.currentPiece != nil {
			s.st.RemoveInFlight(int(s.currentPiece.Index()))
			s.currentPiece = nil
		}
	}()

	if err := s.conn.Send(wire.NewBitfield(s.st.OwnedBitfield())); err != nil {
		return fmt.Errorf("session: sending startup bitfield: %w", err)
	}
	if err := s.conn.Send(wire.Simple(wire.Choke)); err != nil {
		return fmt.Errorf("session: sending startup choke: %w", err)
	}

	msgCh := make(chan wire.Message)
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			m, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case errCh <- err:
				case <-stop:
				}
				return
			}
			select {
			case msgCh <- m:
			case <-stop:
				return
			}
		}
	}()

	timer := time.NewTimer(IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errCh:
			return fmt.Errorf("session: reading from %s: %w", s.conn.Addr, err)

		case msg := <-msgCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(IdleTimeout)

			ev, err := s.handleMessage(msg)
			if err != nil {
				return err
			}
			if err := s.dispatch(ev, msg); err != nil {
				return err
			}
			if err := s.tryReschedule(); err != nil {
				return err
			}

		case ev := <-s.commitEvents:
			if err := s.handleCommitEvent(ev); err != nil {
				return err
			}

		case <-timer.C:
			return ErrTimeout
		}
	}
}

func (s *Session) numPieces() int {
	return s.info.NumPieces()
}

// handleMessage translates a decoded wire message into an internal event,
// applying the flag/bitfield mutations spec.md §4.7's table describes.
func (s *Session) handleMessage(m wire.Message) (event, error) {
	if m.IsKeepAlive {
		return eventKeepAlive, nil
	}

	switch m.ID {
	case wire.Choke:
		s.isChoking = true
		return eventChokedMe, nil
	case wire.Unchoke:
		s.isChoking = false
		return eventUnchokedMe, nil
	case wire.Interested:
		s.isInterested = true
		return eventPeerInterested, nil
	case wire.NotInterested:
		s.isInterested = false
		return eventPeerNotInterested, nil
	case wire.Bitfield:
		if err := s.peerBitfield.UpdateFromPeer(m.Payload, s.numPieces()); err != nil {
			return eventNone, fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		return eventBitfieldUpdated, nil
	case wire.Have:
		index, err := wire.ParseHave(m)
		if err != nil {
			return eventNone, fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		if int(index) >= s.numPieces() {
			return eventNone, fmt.Errorf("%w: Have index %d beyond %d pieces", ErrProtocolViolation, index, s.numPieces())
		}
		if _, err := s.peerBitfield.Set(int(index), s.numPieces()); err != nil {
			return eventNone, fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		return eventHave, nil
	case wire.Piece:
		return eventPieceReceived, nil
	case wire.Request, wire.Cancel:
		// Uploading is a non-goal; acknowledge receipt but do nothing.
		return eventIgnore, nil
	default:
		return eventNone, fmt.Errorf("%w: unhandled message id %s", ErrProtocolViolation, m.ID)
	}
}

// dispatch runs the handler side effects for ev, re-deriving any payload
// the original message carried (Piece's index/offset/data).
func (s *Session) dispatch(ev event, m wire.Message) error {
	switch ev {
	case eventBitfieldUpdated, eventHave:
		// handled by tryReschedule's interest recalculation below
		return nil
	case eventChokedMe:
		if s.currentPiece != nil {
			s.st.RemoveInFlight(int(s.currentPiece.Index()))
			s.currentPiece = nil
		}
		return nil
	case eventUnchokedMe:
		return nil
	case eventPeerInterested:
		s.amChoking = false
		return s.conn.Send(wire.Simple(wire.Unchoke))
	case eventPeerNotInterested:
		return nil
	case eventPieceReceived:
		return s.handlePiece(m)
	case eventKeepAlive, eventIgnore, eventNone:
		return nil
	default:
		return nil
	}
}

func (s *Session) handlePiece(m wire.Message) error {
	index, offset, data, err := wire.ParsePiece(m)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	if s.currentPiece == nil || s.currentPiece.Index() != index {
		return fmt.Errorf("%w: received Piece for index %d with no matching reservation", ErrProtocolViolation, index)
	}

	if err := s.currentPiece.UpdateBuffer(index, offset, data); err != nil {
		// A single bad block is not retried on this connection: the error
		// drops the peer, and Run's deferred cleanup then releases the
		// reservation as the session terminates.
		return fmt.Errorf("session: %w", err)
	}

	if !s.currentPiece.IsComplete() {
		return nil
	}

	expected := s.info.PieceHash(int(index))
	if !s.currentPiece.Verify(expected) {
		return fmt.Errorf("%w: piece %d failed SHA-1 verification", ErrProtocolViolation, index)
	}

	s.log.WithField("piece", index).Info("piece downloaded and verified")
	s.committer.Submit(commit.Job{Index: index, Data: s.currentPiece.Bytes()})
	s.currentPiece = nil
	return nil
}

func (s *Session) handleCommitEvent(ev commit.Event) error {
	switch ev.Kind {
	case commit.PieceCommit:
		return s.conn.Send(wire.NewHave(ev.Index))
	case commit.FailedCommit:
		return fmt.Errorf("%w: piece %d", ErrFailedCommit, ev.Index)
	default:
		return nil
	}
}

// tryReschedule composes the interest/request invariants spec.md §4.7
// lists: recompute am_interested, then reserve a piece and pump requests
// if we are free to request more.
func (s *Session) tryReschedule() error {
	wantSomething := bitfield.HasAny(s.st.OwnedBitfield(), s.peerBitfield)

	if wantSomething && !s.amInterested {
		s.amInterested = true
		if err := s.conn.Send(wire.Simple(wire.Interested)); err != nil {
			return err
		}
	} else if !wantSomething && s.amInterested {
		s.amInterested = false
		if err := s.conn.Send(wire.Simple(wire.NotInterested)); err != nil {
			return err
		}
	}

	if !s.isChoking && s.amInterested && s.currentPiece == nil {
		if index, ok := s.st.ReserveInterestingPiece(s.peerBitfield); ok {
			s.currentPiece = piece.New(uint32(index), uint32(s.info.PieceLen(index)))
		}
	}

	return s.pumpRequests()
}

// pumpRequests pipelines block requests for the reserved piece up to its
// capacity, the BitTorrent equivalent of a sliding request window.
func (s *Session) pumpRequests() error {
	if s.isChoking || !s.amInterested || s.currentPiece == nil {
		return nil
	}
	for s.currentPiece.CanRequestMore() {
		req, ok := s.currentPiece.NextBlock()
		if !ok {
			break
		}
		if err := s.conn.Send(wire.NewRequest(req.Index, req.Offset, req.Length)); err != nil {
			return err
		}
	}
	return nil
}
