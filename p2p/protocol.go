package p2p

import (
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// interpret decodes one validated frame body and applies the built-in
// handlers (spec §4.4), falling back to capability dispatch for any code at
// or above baseProtocolLength. It returns false when the session should be
// torn down; any Disconnect the fault calls for has already been queued by
// then, so the caller's readLoop stops reading without sending anything
// further (spec §4.2, §4.5). A panic raised by a capability during dispatch
// is recovered here and answered with a BadProtocol disconnect.
func (s *Session) interpret(body []byte) bool {
	stream, code, err := packetStream(body)
	if err != nil {
		s.log.Debug("malformed packet", "err", err)
		s.disconnect(DiscBadProtocol)
		return false
	}

	switch code {
	case HelloPacket:
		return s.handleHello(stream)
	case DisconnectPacket:
		return s.handleDisconnect(stream)
	case PingPacket:
		return s.handlePing()
	case PongPacket:
		return s.handlePong()
	case GetPeersPacket:
		return s.handleGetPeers()
	case PeersPacket:
		return s.handlePeers(stream)
	default:
		if uint64(code) < baseProtocolLength {
			s.log.Debug("unknown built-in packet", "code", code)
			s.disconnect(DiscBadProtocol)
			return false
		}
		return func() (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("capability panicked", "code", code, "panic", r)
					s.disconnect(DiscBadProtocol)
					ok = false
				}
			}()
			return s.capabilities.dispatch(uint64(code), body)
		}()
	}
}

// handleHello applies the identity/version/permission checks of spec §4.4
// in the order Session.cpp applies them, then registers the session with
// the Host so capability dispatch and GetPeers gossip both become possible.
func (s *Session) handleHello(stream *rlp.Stream) bool {
	if s.node != nil {
		s.node.HasDisconnect = false
	}

	var (
		protocolVersion uint32
		clientVersion   string
		caps            []CapDesc
		listenPort      uint16
		id              NodeID
	)
	if err := stream.Decode(&protocolVersion); err != nil {
		s.disconnect(DiscBadProtocol)
		return false
	}
	if err := stream.Decode(&clientVersion); err != nil {
		s.disconnect(DiscBadProtocol)
		return false
	}
	if err := stream.Decode(&caps); err != nil {
		s.disconnect(DiscBadProtocol)
		return false
	}
	if err := stream.Decode(&listenPort); err != nil {
		s.disconnect(DiscBadProtocol)
		return false
	}
	if err := stream.Decode(&id); err != nil {
		s.disconnect(DiscBadProtocol)
		return false
	}
	_ = stream.ListEnd()

	if s.host.havePeer(id) {
		s.disconnect(DiscDuplicatePeer)
		return false
	}

	var replaces NodeID
	if s.node != nil && s.node.ID != id {
		if !s.force && s.node.IDOrigin > OriginSelfThird {
			s.disconnect(DiscUnexpectedIdentity)
			return false
		}
		s.log.Debug("accepting changed identity", "was", s.node.ID.Abridged(), "now", id.Abridged())
		replaces = s.node.ID
	}

	if id.IsZero() {
		s.disconnect(DiscNullIdentity)
		return false
	}

	if !s.host.isPermissioned(id) {
		s.log.Debug("rejecting unpermissioned peer", "id", id.Abridged())
		s.disconnect(DiscUnspecified)
		return false
	}

	remoteTCP, _ := s.conn.RemoteAddr().(*net.TCPAddr)
	ep := s.manualEndpoint
	if remoteTCP != nil {
		ep = &net.TCPAddr{IP: remoteTCP.IP, Port: int(listenPort)}
	}
	node := s.host.noteNode(id, ep, OriginSelf, false, replaces)
	s.node = node
	s.knownNodes.add(node.Index)

	if protocolVersion != s.host.protocolVersion() {
		s.disconnect(DiscIncompatibleProtocol)
		return false
	}

	s.protocolVersion = protocolVersion
	s.remoteCaps = caps
	s.info.ID = id
	s.info.ClientVersion = clientVersion
	s.info.ListenPort = listenPort
	s.info.Caps = caps
	s.log = s.log.New("peer", id.Abridged())

	recordHandshake(remoteIP(s.conn), id)
	s.host.registerPeer(s, caps)
	return true
}

// handleDisconnect logs the remote's stated reason and asks the caller to
// drop the transport; no reply is sent (spec §4.4).
func (s *Session) handleDisconnect(stream *rlp.Stream) bool {
	var reasonVal uint64
	reason := DiscUnspecified
	if err := stream.Decode(&reasonVal); err == nil {
		reason = DisconnectReason(reasonVal)
	}
	s.log.Debug("remote disconnected", "reason", reason)
	if s.node != nil {
		s.node.LastDisconnect = reason
		s.node.HasDisconnect = true
	}
	return false
}

// handlePing replies with a Pong (spec §4.4, §8 "Ping always elicits exactly
// one Pong").
func (s *Session) handlePing() bool {
	frame, err := encodeFrame(PongPacket)
	if err != nil {
		return false
	}
	s.sendSealed(frame)
	return true
}

// handlePong records round-trip latency if a Ping is outstanding.
func (s *Session) handlePong() bool {
	if s.hasPinged {
		s.info.LastPing = time.Since(s.pingTime)
	}
	return true
}

// handleGetPeers samples up to the configured maximum from the Host's
// known-node table, excluding nodes already told to this peer, and replies
// with a PeersPacket (spec §4.4, §4.6).
func (s *Session) handleGetPeers() bool {
	candidates := s.host.potentialPeers(s.knownNodes)
	if len(candidates) == 0 {
		return true
	}
	sampled := sampleNodes(candidates, s.host.maxPeerSample())

	entries := make([]interface{}, 0, len(sampled))
	for _, n := range sampled {
		if n.Address == nil {
			continue
		}
		s.knownNodes.add(n.Index)
		entries = append(entries, []interface{}{
			rawAddrBytes(n.Address.IP),
			uint16(n.Address.Port),
			n.ID,
		})
	}
	if len(entries) == 0 {
		return true
	}
	frame, err := encodeFrame(PeersPacket, entries...)
	if err != nil {
		return false
	}
	s.sendSealed(frame)
	return true
}

// handlePeers applies the eight ordered filtering checks of spec §4.4 to
// each gossiped entry, noting the survivors with the Host at SelfThird (or
// PerfectThird, if this session's own node has origin Perfect).
func (s *Session) handlePeers(stream *rlp.Stream) bool {
entries:
	for {
		if _, err := stream.List(); err != nil {
			if err == rlp.EOL {
				break
			}
			s.disconnect(DiscBadProtocol)
			return false
		}

		var rawAddr []byte
		var port uint16
		var id NodeID
		if err := stream.Decode(&rawAddr); err != nil {
			s.disconnect(DiscBadProtocol)
			return false
		}
		if err := stream.Decode(&port); err != nil {
			s.disconnect(DiscBadProtocol)
			return false
		}
		if err := stream.Decode(&id); err != nil {
			s.disconnect(DiscBadProtocol)
			return false
		}
		_ = stream.ListEnd()

		ip, err := decodeIPBytes(rawAddr)
		if err != nil {
			s.disconnect(DiscBadProtocol)
			return false
		}

		// 1: private address, and we don't gossip/accept private addresses.
		if isPrivateIP(ip) && !s.host.localNetworking() {
			continue entries
		}
		// 2: null identity.
		if id.IsZero() {
			continue entries
		}
		// 3: the remote is telling us about ourselves.
		if id == s.host.id_() {
			continue entries
		}
		// 4: the remote is telling us about itself.
		if id == s.id() {
			continue entries
		}

		ep := &net.TCPAddr{IP: ip, Port: int(port)}

		// 5: already known — opportunistically upgrade a private address to
		// a routable one the gossip just offered, otherwise skip.
		if existing, ok := s.host.nodeByID(id); ok {
			if existing.Address != nil && isPrivateIP(existing.Address.IP) && !isPrivateIP(ip) {
				existing.Address = ep
			}
			continue entries
		}
		// 6: zero port can't be dialed.
		if port == 0 {
			continue entries
		}
		// 7: matches one of our own listening addresses.
		if s.host.listensOn(ep) {
			continue entries
		}
		// 8: some other known node already sits at this endpoint.
		if s.host.anyNodeAtEndpoint(ep) {
			continue entries
		}

		s.addRating(1000)
		origin := OriginSelfThird
		if s.node != nil && s.node.IDOrigin == OriginPerfect {
			origin = OriginPerfectThird
		}
		s.host.noteNode(id, ep, origin, true, NodeID{})
	}
	_ = stream.ListEnd()
	return true
}

// rawAddrBytes returns the 4- or 16-byte wire form of ip, matching the
// address encoding spec §4.4's PeersPacket entries use.
func rawAddrBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// decodeIPBytes accepts only exactly 4 or 16 raw address bytes; anything
// else is an ErrInvalidAddressLength fault (spec §4.4, §7).
func decodeIPBytes(b []byte) (net.IP, error) {
	switch len(b) {
	case net.IPv4len, net.IPv6len:
		ip := make(net.IP, len(b))
		copy(ip, b)
		return ip, nil
	default:
		return nil, newPeerError(ErrInvalidAddressLength, "got %d bytes", len(b))
	}
}

// privateBlocks are the reserved ranges spec §4.4 check 1 excludes from
// gossip and acceptance unless local networking is enabled. There is no
// third-party classifier for this in the example corpus, so it is hand
// rolled against the standard private/link-local allocations.
var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
