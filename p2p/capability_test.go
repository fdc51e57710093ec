package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCapability struct {
	name       string
	version    uint64
	count      uint
	enabled    bool
	interpreted []uint64
	wasReset   bool
}

func (c *stubCapability) Name() string    { return c.name }
func (c *stubCapability) Version() uint64 { return c.version }
func (c *stubCapability) Enabled() bool   { return c.enabled }
func (c *stubCapability) MessageCount() uint { return c.count }
func (c *stubCapability) Interpret(id uint64, body []byte) bool {
	c.interpreted = append(c.interpreted, id)
	return true
}
func (c *stubCapability) Reset() { c.wasReset = true }

func TestCapabilityTableAssignsContiguousWindows(t *testing.T) {
	table := newCapabilityTable()
	a := &stubCapability{name: "a", count: 3, enabled: true}
	b := &stubCapability{name: "b", count: 2, enabled: true}

	require.NoError(t, table.register(a))
	require.NoError(t, table.register(b))

	require.Len(t, table.entries, 2)
	assert.EqualValues(t, baseProtocolLength, table.entries[0].idOffset)
	assert.EqualValues(t, baseProtocolLength+3, table.entries[1].idOffset)
}

func TestCapabilityTableDispatchRebasesID(t *testing.T) {
	table := newCapabilityTable()
	a := &stubCapability{name: "a", count: 3, enabled: true}
	require.NoError(t, table.register(a))

	ok := table.dispatch(baseProtocolLength+2, []byte("body"))
	assert.True(t, ok)
	require.Len(t, a.interpreted, 1)
	assert.EqualValues(t, 2, a.interpreted[0])
}

func TestCapabilityTableDispatchMissReturnsFalse(t *testing.T) {
	table := newCapabilityTable()
	a := &stubCapability{name: "a", count: 3, enabled: true}
	require.NoError(t, table.register(a))

	assert.False(t, table.dispatch(baseProtocolLength+10, nil))
}

func TestCapabilityTableSkipsDisabled(t *testing.T) {
	table := newCapabilityTable()
	a := &stubCapability{name: "a", count: 3, enabled: false}
	require.NoError(t, table.register(a))

	assert.False(t, table.dispatch(baseProtocolLength, nil))
}

func TestCapabilityTableResetResetsAll(t *testing.T) {
	table := newCapabilityTable()
	a := &stubCapability{name: "a", count: 1, enabled: true}
	require.NoError(t, table.register(a))
	table.reset()
	assert.True(t, a.wasReset)
}

func TestCapabilityRegisterRejectsZeroWidth(t *testing.T) {
	table := newCapabilityTable()
	a := &stubCapability{name: "a", count: 0, enabled: true}
	assert.Error(t, table.register(a))
}
