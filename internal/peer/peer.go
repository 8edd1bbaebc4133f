// Package peer implements the peer address type and the TCP wire
// connection: dialing, handshake exchange, and framed message I/O.
package peer

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/oreokoo/qbit/internal/wire"
)

// ConnectTimeout bounds the initial TCP dial.
const ConnectTimeout = 10 * time.Second

// HandshakeTimeout bounds the handshake round trip.
const HandshakeTimeout = 10 * time.Second

// Addr identifies a peer by IP and port, as decoded from a tracker's
// compact peer list.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// ParseCompactPeers decodes a tracker's compact peer list: 6 bytes per
// peer, 4-byte big-endian IPv4 address followed by a 2-byte big-endian
// port.
func ParseCompactPeers(peersBin []byte) ([]Addr, error) {
	const peerSize = 6
	if len(peersBin)%peerSize != 0 {
		return nil, fmt.Errorf("peer: compact peer list length %d is not a multiple of %d", len(peersBin), peerSize)
	}
	n := len(peersBin) / peerSize
	addrs := make([]Addr, n)
	for i := 0; i < n; i++ {
		offset := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, peersBin[offset:offset+4])
		addrs[i] = Addr{
			IP:   ip,
			Port: binary.BigEndian.Uint16(peersBin[offset+4 : offset+6]),
		}
	}
	return addrs, nil
}

// Connection is a single peer's TCP wire connection, already past the
// handshake. It owns no protocol state beyond the socket; choke/interest
// bookkeeping lives in the session that drives it.
type Connection struct {
	Addr     Addr
	conn     net.Conn
	peerID   [20]byte
	infoHash [20]byte
}

// Dial opens a TCP connection to addr and exchanges handshakes, verifying
// that the peer's info-hash matches ours. On success the connection is
// ready for framed message I/O.
func Dial(ctx context.Context, addr Addr, infoHash, myPeerID [20]byte) (*Connection, error) {
	dialer := net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	c := &Connection{Addr: addr, conn: conn, infoHash: infoHash}
	if err := c.handshake(myPeerID); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) handshake(myPeerID [20]byte) error {
	if err := c.conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return fmt.Errorf("peer: setting handshake deadline: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	out := wire.Handshake{InfoHash: c.infoHash, PeerID: myPeerID}
	if _, err := c.conn.Write(out.Serialize()); err != nil {
		return fmt.Errorf("peer: sending handshake: %w", err)
	}

	in, err := wire.ReadHandshake(c.conn)
	if err != nil {
		return fmt.Errorf("peer: reading handshake: %w", err)
	}
	if err := wire.VerifyInfoHash(in, c.infoHash); err != nil {
		return err
	}
	c.peerID = in.PeerID
	return nil
}

// PeerID returns the 20-byte peer id the remote side presented during its
// handshake.
func (c *Connection) PeerID() [20]byte {
	return c.peerID
}

// ReadMessage blocks until one framed message arrives, or returns an error
// if the connection is closed or malformed data is read.
func (c *Connection) ReadMessage() (wire.Message, error) {
	return wire.Read(c.conn)
}

// Send writes m to the wire.
func (c *Connection) Send(m wire.Message) error {
	_, err := c.conn.Write(m.Serialize())
	if err != nil {
		return fmt.Errorf("peer: write to %s: %w", c.Addr, err)
	}
	return nil
}

// SetDeadline forwards to the underlying connection, letting a session
// enforce the 120-second idle timeout from spec.md §4.7 without needing
// to know this is a net.Conn.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}
