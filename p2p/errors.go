package p2p

import "fmt"

// ErrorCode classifies a decode/protocol fault. Unlike the single catch-all
// the original Session.cpp wraps every RLP access in, each code maps to a
// specific DisconnectReason so the interpreter never has to guess why a
// frame was rejected (spec §9 design note).
type ErrorCode int

const (
	ErrRead ErrorCode = iota
	ErrMagicTokenMismatch
	ErrFrameLengthMismatch
	ErrInvalidMsgCode
	ErrInvalidMsg
	ErrInvalidAddressLength
)

var errorToString = map[ErrorCode]string{
	ErrRead:                 "read error",
	ErrMagicTokenMismatch:   "synchronization token mismatch",
	ErrFrameLengthMismatch:  "declared frame length does not match body",
	ErrInvalidMsgCode:       "invalid message code",
	ErrInvalidMsg:           "invalid message payload",
	ErrInvalidAddressLength: "invalid gossip address length",
}

// PeerError is returned by the frame codec and the protocol interpreter for
// any fault that should disconnect the session rather than merely drop a
// message.
type PeerError struct {
	Code    ErrorCode
	message string
}

func newPeerError(code ErrorCode, format string, v ...interface{}) *PeerError {
	return &PeerError{Code: code, message: errorToString[code] + ": " + fmt.Sprintf(format, v...)}
}

func (e *PeerError) Error() string {
	return e.message
}

// DisconnectReason is sent in a DisconnectPacket and recorded on the Node.
type DisconnectReason int

const (
	DiscRequested DisconnectReason = iota
	DiscNetworkError
	DiscDuplicatePeer
	DiscUnexpectedIdentity
	DiscNullIdentity
	DiscIncompatibleProtocol
	DiscBadProtocol
	DiscQuitting
	DiscUnspecified
)

var reasonToString = map[DisconnectReason]string{
	DiscRequested:            "disconnect requested",
	DiscNetworkError:         "network error",
	DiscDuplicatePeer:        "duplicate peer",
	DiscUnexpectedIdentity:   "unexpected identity",
	DiscNullIdentity:         "null identity",
	DiscIncompatibleProtocol: "incompatible protocol version",
	DiscBadProtocol:          "bad protocol",
	DiscQuitting:             "quitting",
	DiscUnspecified:          "unspecified",
}

// reasonOf returns the human-readable string for a reason, falling back to
// "unspecified" for a reason reported by a remote we don't recognize —
// mirrors Session.cpp's reasonOf helper.
func reasonOf(r DisconnectReason) string {
	if s, ok := reasonToString[r]; ok {
		return s
	}
	return reasonToString[DiscUnspecified]
}

func (r DisconnectReason) String() string {
	return reasonOf(r)
}
