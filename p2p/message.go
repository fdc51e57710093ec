package p2p

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

// magicToken is the four-byte synchronization token that begins every frame
// (spec §4.1, §6). It never changes: the framing here is intentionally
// plaintext, with no encryption or authentication (spec §1 Non-goals).
var magicToken = [4]byte{0x22, 0x40, 0x08, 0x91}

const frameHeaderLen = 8

// PacketType identifies the first element of a frame's RLP list body.
type PacketType uint64

// Built-in packet types. Capability messages occupy ids starting at
// baseProtocolLength (spec §6).
const (
	HelloPacket PacketType = iota
	DisconnectPacket
	PingPacket
	PongPacket
	GetPeersPacket
	PeersPacket
)

const baseProtocolLength = uint64(16)

// encodeFrame builds an unsealed frame: an 8-byte zeroed placeholder header
// followed by the RLP encoding of the list [code, args...]. Sealing (filling
// in the magic token and length) is the Host's job (spec §4.1, §6 "seal"),
// matching Session.cpp's prep()+sealAndSend() split.
func encodeFrame(code PacketType, args ...interface{}) ([]byte, error) {
	list := make([]interface{}, 0, len(args)+1)
	list = append(list, uint64(code))
	list = append(list, args...)

	body, err := rlp.EncodeToBytes(list)
	if err != nil {
		return nil, newPeerError(ErrInvalidMsg, "encode: %v", err)
	}
	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(body))
	frame = append(frame, body...)
	return frame, nil
}

// seal fills in the magic token and big-endian body length over the
// placeholder header of an outbound frame, in place.
func seal(frame []byte) {
	copy(frame[0:4], magicToken[:])
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(frame)-frameHeaderLen))
}

// validateFrame checks the three conditions spec §4.1 requires of a
// complete frame: magic match, declared length matches the body slice
// handed in, and the body decodes as a single RLP item whose encoded size
// is exactly the declared length (no trailing garbage, no truncation).
func validateFrame(raw []byte) (body []byte, err error) {
	if len(raw) < frameHeaderLen {
		return nil, newPeerError(ErrRead, "frame shorter than header")
	}
	if !bytes.Equal(raw[0:4], magicToken[:]) {
		return nil, newPeerError(ErrMagicTokenMismatch, "got %x, want %x", raw[0:4], magicToken)
	}
	declared := binary.BigEndian.Uint32(raw[4:8])
	body = raw[frameHeaderLen:]
	if uint32(len(body)) != declared {
		return nil, newPeerError(ErrFrameLengthMismatch, "declared %d, got %d", declared, len(body))
	}
	s := rlp.NewStream(bytes.NewReader(body), uint64(len(body)))
	item, err := s.Raw()
	if err != nil {
		return nil, newPeerError(ErrInvalidMsg, "rlp: %v", err)
	}
	if len(item) != len(body) {
		return nil, newPeerError(ErrFrameLengthMismatch, "rlp actual size %d != declared %d", len(item), len(body))
	}
	return body, nil
}

// packetStream opens a Stream positioned just inside the outer list of a
// validated frame body, having already consumed the packet-type element.
// Callers decode the remaining fields with Stream methods, exactly as
// Session.cpp indexes into the RLP list by hand.
func packetStream(body []byte) (*rlp.Stream, PacketType, error) {
	s := rlp.NewStream(bytes.NewReader(body), uint64(len(body)))
	if _, err := s.List(); err != nil {
		return nil, 0, newPeerError(ErrInvalidMsg, "list: %v", err)
	}
	var code uint64
	if err := s.Decode(&code); err != nil {
		return nil, 0, newPeerError(ErrInvalidMsg, "code: %v", err)
	}
	return s, PacketType(code), nil
}

// readFrame reads one complete frame from r: the 8-byte header, then
// exactly the declared number of body bytes. Read errors, including io.EOF
// (a benign end condition, spec §4.2), are returned untouched; the only
// PeerError it produces is ErrMagicTokenMismatch, for a header that does not
// begin with the magic token.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header[0:4], magicToken[:]) {
		return nil, newPeerError(ErrMagicTokenMismatch, "got %x, want %x", header[0:4], magicToken)
	}
	declared := binary.BigEndian.Uint32(header[4:8])
	raw := make([]byte, frameHeaderLen+int(declared))
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[frameHeaderLen:]); err != nil {
		return nil, err
	}
	return raw, nil
}
