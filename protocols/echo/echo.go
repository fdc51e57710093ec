// Package echo is a minimal Capability used to exercise capability dispatch
// end to end (p2p.Host.SetCapabilityFactory / p2p.Session.interpret): it
// accepts one message kind and logs every message it is handed.
package echo

import "github.com/ethereum/go-ethereum/log"

const (
	Name         = "echo"
	Version      = 1
	MessageCount = 1
)

// Capability implements p2p.Capability. New returns a fresh instance per
// session, matching the factory shape Host.SetCapabilityFactory expects.
type Capability struct {
	log     log.Logger
	enabled bool
	Count   int // messages received, for tests to observe dispatch happened
}

func New() *Capability {
	return &Capability{log: log.New("cap", Name), enabled: true}
}

func (c *Capability) Name() string      { return Name }
func (c *Capability) Version() uint64   { return Version }
func (c *Capability) Enabled() bool     { return c.enabled }
func (c *Capability) MessageCount() uint { return MessageCount }

// Interpret accepts rebasedID 0 and logs the payload length; any other id
// is outside this capability's one-message window and is rejected.
func (c *Capability) Interpret(rebasedID uint64, body []byte) bool {
	if rebasedID != 0 {
		c.log.Debug("unknown echo message", "id", rebasedID)
		return false
	}
	c.Count++
	c.log.Trace("echo message received", "len", len(body))
	return true
}

func (c *Capability) Reset() {
	c.enabled = false
}
