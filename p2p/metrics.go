// Contains the meters and feeds used by the networking layer, adapted from
// the teacher's p2p/metrics.go (same meter names).

package p2p

import (
	"net"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/metrics"
)

const (
	MetricsInboundTraffic   = "p2p/InboundTraffic"
	MetricsInboundConnects  = "p2p/InboundConnects"
	MetricsOutboundTraffic  = "p2p/OutboundTraffic"
	MetricsOutboundConnects = "p2p/OutboundConnects"
)

var (
	ingressConnectMeter = metrics.NewRegisteredMeter(MetricsInboundConnects, nil)
	ingressTrafficMeter = metrics.NewRegisteredMeter(MetricsInboundTraffic, nil)
	egressConnectMeter  = metrics.NewRegisteredMeter(MetricsOutboundConnects, nil)
	egressTrafficMeter  = metrics.NewRegisteredMeter(MetricsOutboundTraffic, nil)

	// NetworkEvents is the process-wide feed set Hosts publish to.
	NetworkEvents = &networkMeterEvents{}
)

type networkMeterEvents struct {
	connectFeed    event.Feed
	handshakeFeed  event.Feed
	disconnectFeed event.Feed
}

// PeerConnectEvent fires when a Session's socket is accepted or dialed,
// before any handshake has completed.
type PeerConnectEvent struct {
	IP        net.IP
	Inbound   bool
	Connected time.Time
}

// PeerHandshakeEvent fires once Hello has established a remote identity.
type PeerHandshakeEvent struct {
	IP        net.IP
	ID        NodeID
	Handshake time.Time
}

// PeerDisconnectEvent fires when a Session tears down.
type PeerDisconnectEvent struct {
	IP           net.IP
	ID           NodeID
	Reason       DisconnectReason
	Disconnected time.Time
}

func recordConnect(ip net.IP, inbound bool) {
	if inbound {
		ingressConnectMeter.Mark(1)
	} else {
		egressConnectMeter.Mark(1)
	}
	NetworkEvents.connectFeed.Send(PeerConnectEvent{IP: ip, Inbound: inbound, Connected: time.Now()})
}

func recordHandshake(ip net.IP, id NodeID) {
	NetworkEvents.handshakeFeed.Send(PeerHandshakeEvent{IP: ip, ID: id, Handshake: time.Now()})
}

func recordDisconnect(ip net.IP, id NodeID, reason DisconnectReason) {
	NetworkEvents.disconnectFeed.Send(PeerDisconnectEvent{IP: ip, ID: id, Reason: reason, Disconnected: time.Now()})
}

func recordIngress(n int) { ingressTrafficMeter.Mark(int64(n)) }
func recordEgress(n int)  { egressTrafficMeter.Mark(int64(n)) }
