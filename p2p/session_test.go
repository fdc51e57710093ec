package p2p

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodeID(b byte) NodeID {
	var id NodeID
	id[0] = b
	return id
}

func testHost(id NodeID, version uint32) *Host {
	return NewHost(id, Config{
		ProtocolVersion: version,
		ClientVersion:   "test/1.0",
		MaxPeerSample:   10,
		DisconnectGrace: 20 * time.Millisecond,
	})
}

// TestHandshakeOverPipe drives two Sessions over an in-memory net.Pipe and
// confirms both sides register each other once Hello exchange completes
// (spec §4.4 HelloPacket, §4.5).
func TestHandshakeOverPipe(t *testing.T) {
	idA, idB := testNodeID(0xAA), testNodeID(0xBB)
	hostA := testHost(idA, 7)
	hostB := testHost(idB, 7)

	connA, connB := net.Pipe()

	nodeB := &Node{ID: idB, Address: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}}
	nodeA := &Node{ID: idA, Address: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}}

	sA := newOutboundSession(connA, hostA, nodeB, false)
	sB := newOutboundSession(connB, hostB, nodeA, false)

	done := make(chan struct{}, 2)
	go func() { sA.start(); done <- struct{}{} }()
	go func() { sB.start(); done <- struct{}{} }()

	require.Eventually(t, func() bool {
		return hostA.havePeer(idB) && hostB.havePeer(idA)
	}, time.Second, 5*time.Millisecond)

	hostA.Close()
	hostB.Close()
	<-done
	<-done
}

// TestHandshakeRejectsProtocolMismatch confirms that when the advertised
// protocol versions differ, neither Host registers the other as a peer
// (spec §4.4).
func TestHandshakeRejectsProtocolMismatch(t *testing.T) {
	idA, idB := testNodeID(0x01), testNodeID(0x02)
	hostA := testHost(idA, 7)
	hostB := testHost(idB, 9)

	connA, connB := net.Pipe()
	nodeB := &Node{ID: idB, Address: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}}
	nodeA := &Node{ID: idA, Address: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}}

	sA := newOutboundSession(connA, hostA, nodeB, false)
	sB := newOutboundSession(connB, hostB, nodeA, false)

	go sA.start()
	go sB.start()

	require.Eventually(t, func() bool {
		return !hostA.havePeer(idB) && !hostB.havePeer(idA)
	}, time.Second, 5*time.Millisecond)

	hostA.Close()
	hostB.Close()
}

func bodyFor(t *testing.T, code PacketType, args ...interface{}) []byte {
	frame, err := encodeFrame(code, args...)
	require.NoError(t, err)
	seal(frame)
	body, err := validateFrame(frame)
	require.NoError(t, err)
	return body
}

func newTestSession(t *testing.T, h *Host) *Session {
	conn, _ := net.Pipe()
	t.Cleanup(func() { conn.Close() })
	s := newSession(conn, h, nil, &Node{ID: testNodeID(0x99)}, false, false)
	return s
}

func TestHandlePeersFiltersPrivateAddress(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	s := newTestSession(t, h)

	entry := []interface{}{rawAddrBytes(net.ParseIP("10.0.0.5")), uint16(30303), testNodeID(0x42)}
	stream, _, err := packetStream(bodyFor(t, PeersPacket, entry))
	require.NoError(t, err)

	ok := s.handlePeers(stream)
	assert.True(t, ok)
	_, known := h.nodeByID(testNodeID(0x42))
	assert.False(t, known, "private address should have been filtered without LocalNetworking")
}

func TestHandlePeersAcceptsValidEntry(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	s := newTestSession(t, h)

	newID := testNodeID(0x55)
	entry := []interface{}{rawAddrBytes(net.ParseIP("203.0.113.9")), uint16(30303), newID}
	stream, _, err := packetStream(bodyFor(t, PeersPacket, entry))
	require.NoError(t, err)

	ok := s.handlePeers(stream)
	assert.True(t, ok)
	n, known := h.nodeByID(newID)
	require.True(t, known)
	assert.Equal(t, OriginSelfThird, n.IDOrigin)
	assert.Equal(t, 1000, s.node.Rating, "the sender earns the gossip rating bump")
}

func TestHandlePeersFiltersNullIdentity(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	s := newTestSession(t, h)

	entry := []interface{}{rawAddrBytes(net.ParseIP("203.0.113.9")), uint16(30303), NodeID{}}
	stream, _, err := packetStream(bodyFor(t, PeersPacket, entry))
	require.NoError(t, err)

	assert.True(t, s.handlePeers(stream))
	assert.Equal(t, 0, len(h.nodesByIdx))
}

func TestHandlePeersFiltersZeroPort(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	s := newTestSession(t, h)

	entry := []interface{}{rawAddrBytes(net.ParseIP("203.0.113.9")), uint16(0), testNodeID(0x77)}
	stream, _, err := packetStream(bodyFor(t, PeersPacket, entry))
	require.NoError(t, err)

	assert.True(t, s.handlePeers(stream))
	_, known := h.nodeByID(testNodeID(0x77))
	assert.False(t, known)
}

func TestHandlePeersBadAddressLengthDisconnects(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	s := newTestSession(t, h)

	entry := []interface{}{[]byte{1, 2, 3}, uint16(30303), testNodeID(0x77)}
	stream, _, err := packetStream(bodyFor(t, PeersPacket, entry))
	require.NoError(t, err)

	assert.False(t, s.handlePeers(stream))
}

func TestHandleHelloClearsPriorDisconnectReason(t *testing.T) {
	h := testHost(testNodeID(0x01), 7)
	id := testNodeID(0x42)
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1000}
	node := h.noteNode(id, addr, OriginSelfThird, true, NodeID{})
	node.HasDisconnect = true
	node.LastDisconnect = DiscNetworkError

	conn, _ := net.Pipe()
	t.Cleanup(func() { conn.Close() })
	s := newSession(conn, h, nil, node, false, false)

	caps := []CapDesc{{Name: "echo", Version: 1}}
	stream, _, err := packetStream(bodyFor(t, HelloPacket, uint32(7), "peer/1.0", caps, uint16(2000), id))
	require.NoError(t, err)

	assert.True(t, s.handleHello(stream))
	assert.False(t, node.HasDisconnect, "Hello must clear a prior disconnect reason on an already-associated node")
}

func TestHandlePingAlwaysElicitsPong(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	s := newSession(connA, h, nil, &Node{ID: testNodeID(0x02)}, false, false)
	go s.writeLoop()

	readDone := make(chan []byte, 1)
	go func() {
		raw, err := readFrame(connB)
		if err != nil {
			readDone <- nil
			return
		}
		readDone <- raw
	}()

	require.True(t, s.handlePing())
	raw := <-readDone
	require.NotNil(t, raw)
	body, err := validateFrame(raw)
	require.NoError(t, err)
	_, code, err := packetStream(body)
	require.NoError(t, err)
	assert.Equal(t, PongPacket, code)
}

func TestWriteOrderingPreservesSubmissionOrder(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	s := newSession(connA, h, nil, &Node{ID: testNodeID(0x02)}, false, false)
	go s.writeLoop()

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			frame, _ := encodeFrame(PingPacket, uint64(i))
			seal(frame)
			s.writeImpl(frame)
		}
	}()

	for i := 0; i < n; i++ {
		raw, err := readFrame(connB)
		require.NoError(t, err)
		require.True(t, bytes.HasPrefix(raw[:4], magicToken[:]))
		body, err := validateFrame(raw)
		require.NoError(t, err)
		stream, _, err := packetStream(body)
		require.NoError(t, err)
		var seq uint64
		require.NoError(t, stream.Decode(&seq))
		assert.EqualValues(t, i, seq)
	}
}

func TestRemoteDisconnectStopsReadLoop(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	h.cfg.DisconnectGrace = 10 * time.Millisecond
	connA, connB := net.Pipe()
	s := newSession(connA, h, nil, &Node{ID: testNodeID(0x02)}, false, false)

	loopDone := make(chan struct{})
	go func() {
		s.readLoop()
		close(loopDone)
	}()

	discFrame, _ := encodeFrame(DisconnectPacket, uint64(DiscRequested))
	seal(discFrame)
	_, err := connB.Write(discFrame)
	require.NoError(t, err)

	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("readLoop did not exit after Disconnect")
	}
	connB.Close()
}

// TestBadMagicTriggersExactlyOneDisconnectFrame confirms a bad synchronization
// token elicits a BadProtocol Disconnect frame, not a silent close (spec §4.2
// step 2, §8 "delivery of such a stream prefix yields exactly one BadProtocol
// disconnect").
func TestBadMagicTriggersExactlyOneDisconnectFrame(t *testing.T) {
	h := testHost(testNodeID(0x01), 1)
	h.cfg.DisconnectGrace = 50 * time.Millisecond
	connA, connB := net.Pipe()
	s := newSession(connA, h, nil, &Node{ID: testNodeID(0x02)}, false, false)
	go s.writeLoop()

	loopDone := make(chan struct{})
	go func() {
		s.readLoop()
		close(loopDone)
	}()

	bad, err := encodeFrame(PingPacket)
	require.NoError(t, err)
	seal(bad)
	bad[0] ^= 0xff // corrupt the magic token
	// Only the header is written: the session stops reading once the magic
	// check fails, and net.Pipe is unbuffered, so bytes past the header would
	// never be consumed and the write would block until the socket closes.
	_, err = connB.Write(bad[:frameHeaderLen])
	require.NoError(t, err)

	raw, err := readFrame(connB)
	require.NoError(t, err)
	body, err := validateFrame(raw)
	require.NoError(t, err)
	stream, code, err := packetStream(body)
	require.NoError(t, err)
	assert.Equal(t, DisconnectPacket, code)
	var reason uint64
	require.NoError(t, stream.Decode(&reason))
	assert.EqualValues(t, DiscBadProtocol, reason)

	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("readLoop did not exit after bad magic token")
	}

	// The grace window then closes the socket without any further frame.
	_, err = readFrame(connB)
	assert.Error(t, err)
	connB.Close()
}
