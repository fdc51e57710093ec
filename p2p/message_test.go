package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealRoundTrip(t *testing.T) {
	frame, err := encodeFrame(PingPacket)
	require.NoError(t, err)
	seal(frame)

	body, err := validateFrame(frame)
	require.NoError(t, err)

	_, code, err := packetStream(body)
	require.NoError(t, err)
	assert.Equal(t, PingPacket, code)
}

func TestValidateFrameRejectsBadMagic(t *testing.T) {
	frame, err := encodeFrame(PingPacket)
	require.NoError(t, err)
	seal(frame)
	frame[0] ^= 0xff

	_, err = validateFrame(frame)
	require.Error(t, err)
	var perr *PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrMagicTokenMismatch, perr.Code)
}

func TestValidateFrameRejectsLengthMismatch(t *testing.T) {
	frame, err := encodeFrame(PingPacket)
	require.NoError(t, err)
	seal(frame)
	frame = append(frame, 0x00) // trailing garbage not reflected in the header

	_, err = validateFrame(frame)
	require.Error(t, err)
	var perr *PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrFrameLengthMismatch, perr.Code)
}

func TestHelloEncodeDecodeRoundTrip(t *testing.T) {
	var id NodeID
	id[0] = 0x42
	caps := []CapDesc{{Name: "echo", Version: 1}}

	frame, err := encodeFrame(HelloPacket, uint32(3), "test/1.0", caps, uint16(30303), id)
	require.NoError(t, err)
	seal(frame)

	body, err := validateFrame(frame)
	require.NoError(t, err)
	stream, code, err := packetStream(body)
	require.NoError(t, err)
	require.Equal(t, HelloPacket, code)

	var (
		protocolVersion uint32
		clientVersion   string
		gotCaps         []CapDesc
		listenPort      uint16
		gotID           NodeID
	)
	require.NoError(t, stream.Decode(&protocolVersion))
	require.NoError(t, stream.Decode(&clientVersion))
	require.NoError(t, stream.Decode(&gotCaps))
	require.NoError(t, stream.Decode(&listenPort))
	require.NoError(t, stream.Decode(&gotID))

	assert.EqualValues(t, 3, protocolVersion)
	assert.Equal(t, "test/1.0", clientVersion)
	assert.Equal(t, caps, gotCaps)
	assert.EqualValues(t, 30303, listenPort)
	assert.Equal(t, id, gotID)
}
