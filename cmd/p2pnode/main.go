// Command p2pnode runs a standalone overlay-p2p Host: it listens for
// inbound sessions, optionally dials a seed peer, and logs handshake and
// gossip activity until interrupted.
package main

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	flag "github.com/spf13/pflag"

	"github.com/makramibrahim/overlay-p2p/p2p"
	"github.com/makramibrahim/overlay-p2p/protocols/echo"
)

var version = "0.1.0" //nolint:gochecknoglobals

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "p2pnode:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("p2pnode", flag.ContinueOnError)

	listenAddr := fs.StringP("listen", "l", "127.0.0.1:30303", "address to accept inbound sessions on")
	seed := fs.StringP("seed", "s", "", "host:port of a peer to dial on startup")
	clientVersion := fs.StringP("client", "c", "overlay-p2p/"+version, "client version string advertised in Hello")
	protocolVersion := fs.Uint32P("protocol-version", "p", 1, "protocol version advertised in Hello")
	localNetworking := fs.Bool("local-networking", false, "accept and gossip private/loopback addresses")
	maxPeerSample := fs.Int("max-peer-sample", 10, "maximum nodes returned per GetPeers")
	verbosity := fs.CountP("verbose", "v", "increase log verbosity (repeatable)")

	var showVersion bool
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("p2pnode %s\n", version)
		return nil
	}

	setupLogging(*verbosity)

	self, err := randomNodeID()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	cfg := p2p.Config{
		ProtocolVersion: *protocolVersion,
		ClientVersion:   *clientVersion,
		Caps:            []p2p.CapDesc{{Name: echo.Name, Version: echo.Version}},
		LocalNetworking: *localNetworking,
		MaxPeerSample:   *maxPeerSample,
	}

	host := p2p.NewHost(self, cfg)
	host.SetCapabilityFactory(func() p2p.Capability { return echo.New() })

	tcpAddr, err := net.ResolveTCPAddr("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	host.SetListenPort(uint16(tcpAddr.Port))

	if err := host.Listen(*listenAddr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("listening", "addr", *listenAddr, "id", self.Abridged())

	if *seed != "" {
		seedAddr, err := net.ResolveTCPAddr("tcp", *seed)
		if err != nil {
			return fmt.Errorf("resolve seed address: %w", err)
		}
		seedID, err := randomNodeID()
		if err != nil {
			return fmt.Errorf("generate seed placeholder identity: %w", err)
		}
		if _, err := host.Dial(&p2p.Node{ID: seedID, Address: seedAddr}); err != nil {
			log.Warn("seed dial failed", "err", err)
		}
	}

	waitForSignal()
	log.Info("shutting down")
	host.Close()
	return nil
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func setupLogging(verbosity int) {
	level := log.LvlInfo
	switch {
	case verbosity >= 2:
		level = log.LvlTrace
	case verbosity == 1:
		level = log.LvlDebug
	}
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, level, true)
	log.SetDefault(log.NewLogger(handler))
}

func randomNodeID() (p2p.NodeID, error) {
	var id p2p.NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `p2pnode %s - overlay-p2p standalone node

Usage:
  p2pnode [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  p2pnode -l 0.0.0.0:30303                     Listen only
  p2pnode -l 0.0.0.0:30304 -s 127.0.0.1:30303  Listen and dial a seed
`)
}
