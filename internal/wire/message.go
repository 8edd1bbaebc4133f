// Package wire implements the length-prefixed BitTorrent peer message
// codec and the 68-byte handshake (BEP 3).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrProtocolViolation is returned for any malformed wire message: an
// unknown message id, an empty Bitfield, a too-short Piece payload, or a
// Have payload that isn't exactly 4 bytes.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// ID identifies the kind of a Message.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("ID(%d)", uint8(id))
	}
}

// Message is either KeepAlive (IsKeepAlive==true, zero value otherwise) or
// a typed message carrying an id and payload.
type Message struct {
	IsKeepAlive bool
	ID          ID
	Payload     []byte
}

// KeepAliveMessage is the zero-length wire message.
func KeepAliveMessage() Message {
	return Message{IsKeepAlive: true}
}

// NewHave builds a Have message for piece index.
func NewHave(index uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return Message{ID: Have, Payload: payload}
}

// NewBitfield builds a Bitfield message from packed bits.
func NewBitfield(bits []byte) Message {
	return Message{ID: Bitfield, Payload: bits}
}

// NewRequest builds a Request message.
func NewRequest(index, begin, length uint32) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return Message{ID: Request, Payload: payload}
}

// NewCancel builds a Cancel message.
func NewCancel(index, begin, length uint32) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// NewPiece builds a Piece message.
func NewPiece(index, begin uint32, data []byte) Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], data)
	return Message{ID: Piece, Payload: payload}
}

// Simple builds a payload-less message (Choke, Unchoke, Interested,
// NotInterested).
func Simple(id ID) Message {
	return Message{ID: id}
}

// Serialize encodes m as a length-prefixed wire frame.
func (m Message) Serialize() []byte {
	if m.IsKeepAlive {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Read decodes one length-prefixed message from r, validating the
// per-kind payload invariants from the wire protocol.
func Read(r io.Reader) (Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return KeepAliveMessage(), nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	id := ID(body[0])
	payload := body[1:]

	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		// no payload expected; tolerate extra bytes from lenient peers
	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("%w: Have payload length %d", ErrProtocolViolation, len(payload))
		}
	case Bitfield:
		if len(payload) == 0 {
			return Message{}, fmt.Errorf("%w: empty Bitfield", ErrProtocolViolation)
		}
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("%w: %s payload length %d", ErrProtocolViolation, id, len(payload))
		}
	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("%w: Piece payload length %d", ErrProtocolViolation, len(payload))
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, id)
	}

	return Message{ID: id, Payload: payload}, nil
}

// ParseHave extracts the piece index from a Have message.
func ParseHave(m Message) (uint32, error) {
	if m.ID != Have || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: not a valid Have message", ErrProtocolViolation)
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// ParseRequest extracts index/begin/length from a Request or Cancel
// message.
func ParseRequest(m Message) (index, begin, length uint32, err error) {
	if (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: not a valid Request message", ErrProtocolViolation)
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// ParsePiece extracts index/begin/data from a Piece message.
func ParsePiece(m Message) (index, begin uint32, data []byte, err error) {
	if m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: not a valid Piece message", ErrProtocolViolation)
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	data = m.Payload[8:]
	return index, begin, data, nil
}
