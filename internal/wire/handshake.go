package wire

import (
	"bytes"
	"fmt"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the exact byte length of a handshake message.
const HandshakeLen = 49 + len(protocolString)

// Handshake is the 68-byte opening exchange: pstrlen, pstr, 8 reserved
// zero bytes, 20-byte info-hash, 20-byte peer-id.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes the handshake to its wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	cursor := 0
	buf[cursor] = byte(len(protocolString))
	cursor++
	cursor += copy(buf[cursor:], protocolString)
	cursor += 8 // reserved, left zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads exactly HandshakeLen bytes from r and decodes them.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}

	pstrlen := int(buf[0])
	if 1+pstrlen+48 != HandshakeLen || string(buf[1:1+pstrlen]) != protocolString {
		return Handshake{}, fmt.Errorf("%w: unrecognized handshake protocol string", ErrProtocolViolation)
	}

	var h Handshake
	cursor := 1 + pstrlen + 8
	copy(h.InfoHash[:], buf[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], buf[cursor:cursor+20])
	return h, nil
}

// VerifyInfoHash fails if h's info-hash does not match want.
func VerifyInfoHash(h Handshake, want [20]byte) error {
	if !bytes.Equal(h.InfoHash[:], want[:]) {
		return fmt.Errorf("%w: info-hash mismatch, expected %x got %x", ErrProtocolViolation, want, h.InfoHash)
	}
	return nil
}
