package p2p

import "fmt"

// Capability is a pluggable sub-protocol handler occupying a contiguous
// range of packet-type ids above the built-in packets (spec §6). Session
// rebases the wire id to a capability-local id before calling Interpret.
type Capability interface {
	// Name and Version identify the capability; they must match the
	// CapDesc a Hello advertised for this handler to have been selected.
	Name() string
	Version() uint64

	// Enabled reports whether the capability is currently accepting
	// messages. A disabled capability is skipped during dispatch.
	Enabled() bool

	// MessageCount is the width of this capability's id window.
	MessageCount() uint

	// Interpret handles one message, addressed with the capability-local
	// (rebased) id. It returns false if the message could not be handled,
	// which the caller treats as a terminal protocol fault (spec §4.4).
	Interpret(rebasedID uint64, body []byte) bool

	// Reset is called once at session teardown.
	Reset()
}

// registeredCapability pairs a Capability with the absolute id-offset the
// Host assigned it for one particular session.
type registeredCapability struct {
	Capability
	idOffset uint64
}

// capabilityTable enforces that registered capabilities occupy contiguous,
// non-overlapping id windows, as spec §9's design note requires.
type capabilityTable struct {
	entries []*registeredCapability
}

func newCapabilityTable() *capabilityTable {
	return &capabilityTable{}
}

// register appends cap at the next free offset after the last registered
// capability's window, starting at baseProtocolLength.
func (t *capabilityTable) register(cap Capability) error {
	offset := baseProtocolLength
	if n := len(t.entries); n > 0 {
		last := t.entries[n-1]
		offset = last.idOffset + uint64(last.MessageCount())
	}
	if cap.MessageCount() == 0 {
		return fmt.Errorf("p2p: capability %s/%d has zero message count", cap.Name(), cap.Version())
	}
	t.entries = append(t.entries, &registeredCapability{Capability: cap, idOffset: offset})
	return nil
}

// dispatch finds the capability whose window contains id and forwards the
// rebased message to it, returning false if none claims it.
func (t *capabilityTable) dispatch(id uint64, body []byte) bool {
	for _, entry := range t.entries {
		if !entry.Enabled() {
			continue
		}
		hi := entry.idOffset + uint64(entry.MessageCount())
		if id >= entry.idOffset && id < hi {
			return entry.Interpret(id-entry.idOffset, body)
		}
	}
	return false
}

func (t *capabilityTable) reset() {
	for _, entry := range t.entries {
		entry.Reset()
	}
}

func (t *capabilityTable) descriptors() []CapDesc {
	descs := make([]CapDesc, len(t.entries))
	for i, entry := range t.entries {
		descs[i] = CapDesc{Name: entry.Name(), Version: entry.Version()}
	}
	return descs
}
