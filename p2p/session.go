package p2p

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// writeQueueDepth bounds the outbound frame channel. The channel itself is
// the write queue spec §3/§4.3 describes: a single writeLoop goroutine
// drains it strictly in send order, so at most one frame is ever "in
// flight" to the socket at a time, and FIFO ordering across concurrent
// producers falls out of Go's channel semantics rather than a hand-rolled
// mutex+deque.
const writeQueueDepth = 64

// Session owns one TCP connection to a remote peer and drives its full
// lifecycle: handshake, framed message exchange, ping/pong, peer gossip,
// graceful disconnect, and capability dispatch (spec §1, §3).
type Session struct {
	conn    net.Conn
	host    *Host
	inbound bool
	log     log.Logger

	// node, manualEndpoint, force, protocolVersion, remoteCaps, knownNodes
	// and info are mutated only from the readLoop goroutine (spec §5): the
	// codec discipline of "arm the next read only from inside the previous
	// completion" has a direct Go translation as "only one goroutine ever
	// touches these fields", so no lock is needed for them.
	node            *Node
	manualEndpoint  *net.TCPAddr
	force           bool
	protocolVersion uint32
	remoteCaps      []CapDesc
	knownNodes      *knownNodeSet
	info            PeerInfo
	capabilities    *capabilityTable

	connectTime time.Time
	pingTime    time.Time
	hasPinged   bool

	mu          sync.Mutex
	disconnectAt time.Time // zero means "never" (spec §3 invariant)

	writeCh   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(conn net.Conn, host *Host, manual *net.TCPAddr, node *Node, force, inbound bool) *Session {
	s := &Session{
		conn:           conn,
		host:           host,
		inbound:        inbound,
		manualEndpoint: manual,
		node:           node,
		force:          force,
		knownNodes:     newKnownNodeSet(),
		capabilities:   newCapabilityTable(),
		connectTime:    time.Now(),
		writeCh:        make(chan []byte, writeQueueDepth),
		closed:         make(chan struct{}),
	}
	tag := "?"
	if node != nil {
		tag = node.ID.Abridged()
	}
	s.log = log.New("peer", tag, "addr", conn.RemoteAddr())
	s.info = PeerInfo{
		RemoteAddress: conn.RemoteAddr().String(),
		Properties:    make(map[string]string),
	}
	if node != nil {
		s.info.ID = node.ID
	}
	return s
}

// newInboundSession creates a Session for a freshly accepted socket. No
// Node is known yet; the manual endpoint hint is the accepted remote
// address (spec §3 Lifecycles).
func newInboundSession(conn net.Conn, host *Host) *Session {
	manual, _ := net.ResolveTCPAddr("tcp", conn.RemoteAddr().String())
	return newSession(conn, host, manual, nil, false, true)
}

// newOutboundSession creates a Session for a connection we initiated to an
// already-known Node. force permits the remote to present a different
// identity than n.ID without triggering UnexpectedIdentity (spec §3, §4.4).
func newOutboundSession(conn net.Conn, host *Host, n *Node, force bool) *Session {
	return newSession(conn, host, n.Address, n, force, false)
}

// id returns the remote's public identity, or the zero NodeID before a
// Hello has established one.
func (s *Session) id() NodeID {
	if s.node == nil {
		return NodeID{}
	}
	return s.node.ID
}

// endpoint returns the best-known address for the remote peer: the actual
// socket peer address combined with their advertised listen port when a
// Node is known, falling back to the Node's recorded address or the
// manual hint.
func (s *Session) endpoint() *net.TCPAddr {
	if s.node != nil {
		if tcp, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
			return &net.TCPAddr{IP: tcp.IP, Port: s.node.Address.Port}
		}
		return s.node.Address
	}
	return s.manualEndpoint
}

func (s *Session) addRating(delta int) {
	if s.node != nil {
		s.node.addRating(delta)
	}
}

func (s *Session) disconnectSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnectAt.IsZero()
}

// start sends the initial Hello/Ping/GetPeers burst and launches the read
// and write pumps (spec §4.5).
func (s *Session) start() {
	recordConnect(remoteIP(s.conn), s.inbound)
	go s.writeLoop()

	hello, err := encodeFrame(HelloPacket,
		s.host.protocolVersion(),
		s.host.clientVersion(),
		s.host.caps(),
		s.host.listenPort(),
		s.host.id_(),
	)
	if err != nil {
		s.log.Warn("failed to build hello", "err", err)
		s.dropped()
		return
	}
	s.sendSealed(hello)
	s.ping()
	s.getPeers()

	s.readLoop()
}

// ping sends a PingPacket and records the send time so the matching Pong
// can measure round-trip latency (spec §4.4 PongPacket).
func (s *Session) ping() {
	frame, err := encodeFrame(PingPacket)
	if err != nil {
		return
	}
	s.pingTime = time.Now()
	s.hasPinged = true
	s.sendSealed(frame)
}

func (s *Session) getPeers() {
	frame, err := encodeFrame(GetPeersPacket)
	if err != nil {
		return
	}
	s.sendSealed(frame)
}

// sendSealed seals an unsealed frame (fills in magic+length) and queues it
// for the write pump.
func (s *Session) sendSealed(frame []byte) {
	seal(frame)
	s.writeImpl(frame)
}

// writeImpl pushes frame onto the write queue (spec §4.3 step 1). It never
// blocks past the session closing: a full queue against a closed session
// drops the frame rather than leaking the caller.
func (s *Session) writeImpl(frame []byte) {
	select {
	case s.writeCh <- frame:
	case <-s.closed:
	}
}

// writeLoop is the single consumer task draining the write queue, writing
// each frame to the socket in submission order (spec §4.3, §5). Only one
// write is ever in flight because this is the only goroutine that calls
// conn.Write.
func (s *Session) writeLoop() {
	for {
		select {
		case frame, ok := <-s.writeCh:
			if !ok {
				return
			}
			if _, err := s.conn.Write(frame); err != nil {
				s.log.Debug("write failed", "err", err)
				s.dropped()
				return
			}
			recordEgress(len(frame))
		case <-s.closed:
			return
		}
	}
}

// readLoop is the resumable read loop: it keeps reading and interpreting
// complete frames until EOF, a transport error, a fatal protocol fault, or
// the session enters its disconnect grace window (spec §4.2, §4.5).
func (s *Session) readLoop() {
	defer s.teardown()
	for {
		if s.disconnectSet() {
			return
		}
		raw, err := readFrame(s.conn)
		if err != nil {
			var perr *PeerError
			if errors.As(err, &perr) && perr.Code == ErrMagicTokenMismatch {
				s.log.Debug("bad synchronization token", "err", err)
				s.disconnect(DiscBadProtocol)
				return
			}
			// EOF and other transport errors are benign end conditions
			// (spec §4.2): no error log, just a silent drop of the transport.
			s.dropped()
			return
		}
		recordIngress(len(raw))

		body, err := validateFrame(raw)
		if err != nil {
			s.log.Warn("invalid frame", "err", err)
			s.disconnect(DiscBadProtocol)
			return
		}
		if !s.interpret(body) {
			return
		}
	}
}

// disconnect initiates the graceful-shutdown handshake: if no disconnect
// is already in flight, it sends DisconnectPacket(reason) and arms the
// grace-window timer; otherwise it hard-drops (spec §4.5).
func (s *Session) disconnect(reason DisconnectReason) {
	s.mu.Lock()
	alreadyDisconnecting := !s.disconnectAt.IsZero()
	if !alreadyDisconnecting {
		s.disconnectAt = time.Now()
	}
	s.mu.Unlock()

	if s.node != nil {
		s.node.LastDisconnect = reason
		s.node.HasDisconnect = true
	}

	if alreadyDisconnecting {
		s.dropped()
		return
	}

	s.log.Debug("disconnecting", "reason", reason)
	frame, err := encodeFrame(DisconnectPacket, uint64(reason))
	if err == nil {
		s.sendSealed(frame)
	}
	time.AfterFunc(s.host.disconnectGrace(), s.dropped)
}

// dropped closes the socket. It is idempotent (spec §4.5).
func (s *Session) dropped() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// teardown runs once the read pump has exited for any reason: it closes the
// socket (unless a locally initiated disconnect is in its grace window, in
// which case the timer armed by disconnect closes it, so the queued
// DisconnectPacket can still be written), notifies the Host so Node state
// persists across sessions, resets capabilities, and records the disconnect
// event (spec §3 Lifecycles, §4.5 destruction).
func (s *Session) teardown() {
	if !s.disconnectSet() {
		s.dropped()
	}
	reason := DiscNetworkError
	if s.node != nil && s.node.HasDisconnect {
		reason = s.node.LastDisconnect
	}
	recordDisconnect(remoteIP(s.conn), s.id(), reason)

	if !s.id().IsZero() {
		s.host.noteNode(s.id(), s.manualEndpoint, OriginUnknown, true, NodeID{})
	}
	s.host.forgetSession(s)
	s.capabilities.reset()
}

func remoteIP(conn net.Conn) net.IP {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}
