package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// Config carries the ambient settings a Host needs but the distilled spec
// left implicit: protocol version/client string/capabilities to advertise,
// the local listen port, whether private addresses are gossiped (spec
// §4.4 PeersPacket check 1), and the bounds on the disconnect grace window
// and GetPeers sample size (spec §4.6, §9 decision (c)).
type Config struct {
	ProtocolVersion     uint32
	ClientVersion       string
	Caps                []CapDesc
	ListenPort          uint16
	LocalNetworking     bool
	MaxPeerSample       int
	PingInterval        time.Duration
	DisconnectGrace     time.Duration
	PermissionedNodeIDs []NodeID // optional allowlist; empty means allow all
}

func (c *Config) setDefaults() {
	if c.MaxPeerSample == 0 {
		c.MaxPeerSample = 10
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.DisconnectGrace == 0 {
		c.DisconnectGrace = 2 * time.Second
	}
}

// Host is the enclosing collaborator spec.md treats as external: it owns
// the listening socket, the session table, the known-node table, and the
// seal step. This package provides a concrete, minimal implementation so
// Session is exercisable end to end.
type Host struct {
	cfg Config
	id  NodeID
	log log.Logger

	mu          sync.RWMutex
	sessions    map[NodeID]*Session
	nodes       map[NodeID]*Node
	nodesByIdx  []*Node
	permission  map[NodeID]struct{}
	listenAddrs []net.IP

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	newCapability func() Capability // factory for registerPeer, nil if none configured
}

// NewHost constructs a Host with the given self identity and config.
func NewHost(self NodeID, cfg Config) *Host {
	cfg.setDefaults()
	h := &Host{
		cfg:      cfg,
		id:       self,
		log:      log.New("host", self.Abridged()),
		sessions: make(map[NodeID]*Session),
		nodes:    make(map[NodeID]*Node),
		quit:     make(chan struct{}),
	}
	if len(cfg.PermissionedNodeIDs) > 0 {
		h.permission = make(map[NodeID]struct{}, len(cfg.PermissionedNodeIDs))
		for _, id := range cfg.PermissionedNodeIDs {
			h.permission[id] = struct{}{}
		}
	}
	return h
}

// SetCapabilityFactory registers the constructor Session.handleHello calls
// once a peer's capability set is known, mirroring Session.cpp's
// m_server->registerPeer(shared_from_this(), caps) instantiating handlers.
func (h *Host) SetCapabilityFactory(factory func() Capability) {
	h.newCapability = factory
}

func (h *Host) protocolVersion() uint32  { return h.cfg.ProtocolVersion }
func (h *Host) clientVersion() string    { return h.cfg.ClientVersion }
func (h *Host) caps() []CapDesc          { return h.cfg.Caps }
func (h *Host) id_() NodeID              { return h.id }
func (h *Host) listenPort() uint16       { return h.cfg.ListenPort }
func (h *Host) localNetworking() bool    { return h.cfg.LocalNetworking }
func (h *Host) maxPeerSample() int       { return h.cfg.MaxPeerSample }
func (h *Host) disconnectGrace() time.Duration { return h.cfg.DisconnectGrace }

// SetListenPort overrides the port advertised in Hello, for callers that
// resolve an ephemeral port (":0") before calling Listen.
func (h *Host) SetListenPort(port uint16) { h.cfg.ListenPort = port }

// isPermissioned reports whether id may complete a handshake — the
// supplemental allowlist folded back from the original's
// permissioned-nodes.json (SPEC_FULL §5). An empty allowlist permits all.
func (h *Host) isPermissioned(id NodeID) bool {
	if h.permission == nil {
		return true
	}
	_, ok := h.permission[id]
	return ok
}

// havePeer reports whether a session with this identity is already
// registered (spec §4.4, DuplicatePeer check).
func (h *Host) havePeer(id NodeID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[id]
	return ok
}

// noteNode records or updates a Node's endpoint/origin, inserting it into
// the table if new. pending is not recorded: Node has no pending flag, so
// the argument has no effect. replaces, when non-zero, is the prior identity
// this node supersedes (spec §9 decision (a): callers pass the zero NodeID
// when there was no prior node, rather than dereferencing a nil one).
func (h *Host) noteNode(id NodeID, addr *net.TCPAddr, origin Origin, pending bool, replaces NodeID) *Node {
	h.mu.Lock()
	defer h.mu.Unlock()

	if replaces != (NodeID{}) {
		if old, ok := h.nodes[replaces]; ok {
			delete(h.nodes, replaces)
			old.ID = id
			h.nodes[id] = old
			old.Address = addr
			old.IDOrigin = origin
			return old
		}
	}

	if n, ok := h.nodes[id]; ok {
		n.Address = addr
		if origin > n.IDOrigin {
			n.IDOrigin = origin
		}
		return n
	}

	n := &Node{ID: id, Address: addr, IDOrigin: origin, Index: len(h.nodesByIdx)}
	h.nodes[id] = n
	h.nodesByIdx = append(h.nodesByIdx, n)
	_ = pending
	return n
}

// potentialPeers returns nodes not already in known, for GetPeers handling
// (spec §4.4).
func (h *Host) potentialPeers(known *knownNodeSet) []*Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Node
	for _, n := range h.nodesByIdx {
		if n != nil && !known.has(n.Index) {
			out = append(out, n)
		}
	}
	return out
}

// nodeByID looks up a Node by identity; used by the PeersPacket filtering
// checks that need to consult the whole known-node table (spec §4.4
// checks 5 and 8).
func (h *Host) nodeByID(id NodeID) (*Node, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	return n, ok
}

// anyNodeAtEndpoint reports whether some known node already sits at ep
// (spec §4.4 check 8).
func (h *Host) anyNodeAtEndpoint(ep *net.TCPAddr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.nodesByIdx {
		if n != nil && n.Address != nil && tcpAddrEqual(n.Address, ep) {
			return true
		}
	}
	return false
}

func tcpAddrEqual(a, b *net.TCPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// listensOn reports whether ep matches one of the Host's own listening
// addresses on its listen port (spec §4.4 check 7).
func (h *Host) listensOn(ep *net.TCPAddr) bool {
	if ep.Port != int(h.cfg.ListenPort) {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ip := range h.listenAddrs {
		if ip.Equal(ep.IP) {
			return true
		}
	}
	return false
}

// registerPeer instantiates a capability handler for the session and adds
// it to the session's capability table, mirroring the Host responsibility
// spec.md §4.4's Hello handling hands off to.
func (h *Host) registerPeer(s *Session, remoteCaps []CapDesc) {
	h.mu.Lock()
	h.sessions[s.id()] = s
	h.mu.Unlock()

	if h.newCapability == nil {
		return
	}
	ourCaps := h.caps()
	for _, rc := range remoteCaps {
		for _, oc := range ourCaps {
			if rc.Name == oc.Name && rc.Version == oc.Version {
				cap := h.newCapability()
				if cap.Name() == rc.Name && cap.Version() == rc.Version {
					if err := s.capabilities.register(cap); err != nil {
						h.log.Warn("capability registration failed", "cap", rc, "err", err)
					}
				}
			}
		}
	}
}

func (h *Host) forgetSession(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.id()]; ok && cur == s {
		delete(h.sessions, s.id())
	}
}

// Listen starts accepting inbound connections on addr.
func (h *Host) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p: listen: %w", err)
	}
	h.listener = l
	if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok {
		h.mu.Lock()
		h.listenAddrs = append(h.listenAddrs, tcpAddr.IP)
		h.mu.Unlock()
	}
	h.wg.Add(1)
	go h.acceptLoop()
	return nil
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.quit:
				return
			default:
				h.log.Warn("accept failed", "err", err)
				return
			}
		}
		s := newInboundSession(conn, h)
		go s.start()
	}
}

// Dial opens an outbound connection to a known Node and starts a Session
// for it.
func (h *Host) Dial(n *Node) (*Session, error) {
	conn, err := net.DialTimeout("tcp", n.Address.String(), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("p2p: dial %s: %w", n.Address, err)
	}
	s := newOutboundSession(conn, h, n, false)
	go s.start()
	return s, nil
}

// Close stops accepting connections and drops every session registered by
// a completed Hello; sessions still handshaking are not tracked and are not
// dropped here.
func (h *Host) Close() {
	close(h.quit)
	if h.listener != nil {
		h.listener.Close()
	}
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.dropped()
	}
	h.wg.Wait()
}

// publishEvent fans a Host-level occurrence out to the metrics feeds
// (SPEC_FULL §3/§6).
func (h *Host) publishEvent(feed *event.Feed, ev interface{}) {
	feed.Send(ev)
}
