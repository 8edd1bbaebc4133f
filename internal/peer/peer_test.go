package peer_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreokoo/qbit/internal/peer"
	"github.com/oreokoo/qbit/internal/wire"
)

func TestParseCompactPeers(t *testing.T) {
	raw := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	addrs, err := peer.ParseCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "127.0.0.1", addrs[0].IP.String())
	assert.Equal(t, uint16(0x1AE1), addrs[0].Port)
	assert.Equal(t, "10.0.0.2", addrs[1].IP.String())
}

func TestParseCompactPeersRejectsMisalignedLength(t *testing.T) {
	_, err := peer.ParseCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func startEchoPeer(t *testing.T, infoHash, peerID [20]byte) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := wire.ReadHandshake(conn); err != nil {
			return
		}
		out := wire.Handshake{InfoHash: infoHash, PeerID: peerID}
		conn.Write(out.Serialize())

		msg, err := wire.Read(conn)
		if err != nil {
			return
		}
		conn.Write(msg.Serialize())
	}()

	return ln.Addr()
}

func TestDialHandshakeAndEcho(t *testing.T) {
	var infoHash, remotePeerID [20]byte
	copy(infoHash[:], []byte("aaaaaaaaaaaaaaaaaaaa"))
	copy(remotePeerID[:], []byte("bbbbbbbbbbbbbbbbbbbb"))

	tcpAddr := startEchoPeer(t, infoHash, remotePeerID).(*net.TCPAddr)
	addr := peer.Addr{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}

	var myPeerID [20]byte
	copy(myPeerID[:], []byte("cccccccccccccccccccc"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := peer.Dial(ctx, addr, infoHash, myPeerID)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, remotePeerID, conn.PeerID())

	require.NoError(t, conn.Send(wire.Simple(wire.Interested)))
	echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.Interested, echoed.ID)
}

func TestDialRejectsInfoHashMismatch(t *testing.T) {
	var serverHash, clientHash, remotePeerID [20]byte
	copy(serverHash[:], []byte("11111111111111111111"[:20]))
	copy(clientHash[:], []byte("22222222222222222222"[:20]))
	copy(remotePeerID[:], []byte("33333333333333333333"[:20]))

	tcpAddr := startEchoPeer(t, serverHash, remotePeerID).(*net.TCPAddr)
	addr := peer.Addr{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}

	var myPeerID [20]byte
	copy(myPeerID[:], []byte("444444444444444444444"[:20]))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := peer.Dial(ctx, addr, clientHash, myPeerID)
	assert.Error(t, err)
}
