package p2p

import "net"

// Node is the persistent, per-peer record the Host maintains across
// sessions: identity, last-known endpoint, advisory rating/score, the
// reason the connection last ended, and the provenance of the identity
// (spec §3).
type Node struct {
	ID             NodeID
	Address        *net.TCPAddr
	Rating         int
	Score          int
	LastDisconnect DisconnectReason
	HasDisconnect  bool
	IDOrigin       Origin
	Index          int
}

// addRating bumps both the advisory rating and the cumulative score, the
// way Session::addRating does — gossip gets +1000, nothing else touches it.
func (n *Node) addRating(delta int) {
	n.Rating += delta
	n.Score += delta
}

// knownNodeSet is the compact set of table indices a Session has already
// told (or been told about) its peer — spec's m_knownNodes. It only grows.
type knownNodeSet struct {
	indices map[int]struct{}
}

func newKnownNodeSet() *knownNodeSet {
	return &knownNodeSet{indices: make(map[int]struct{})}
}

func (s *knownNodeSet) add(index int) {
	s.indices[index] = struct{}{}
}

func (s *knownNodeSet) has(index int) bool {
	_, ok := s.indices[index]
	return ok
}

func (s *knownNodeSet) len() int {
	return len(s.indices)
}
