package protocol

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Protocol constants
const (
	// ProtocolVersion is carried in the "v" field of every frame.
	ProtocolVersion = 1

	// FingerprintSize is the length of a raw public key.
	FingerprintSize = 32

	// MaxIdentities is the number of registered identities an account may hold.
	MaxIdentities = 5
)

// FrameType is the discriminant of a wire frame.
type FrameType string

// Outbound frame types (client -> server)
const (
	FrameChatMessage   FrameType = "chat_message"
	FrameTyping        FrameType = "typing"
	FrameMarkRead      FrameType = "mark_read"
	FrameDeleteMessage FrameType = "delete_message"
	FramePing          FrameType = "ping"
)

// Inbound frame types (server -> client). FrameTyping is shared.
const (
	FrameMessage        FrameType = "message"
	FramePresence       FrameType = "presence"
	FrameConnected      FrameType = "connected"
	FrameError          FrameType = "error"
	FrameParticipants   FrameType = "participants"
	FrameMessageDeleted FrameType = "message_deleted"
	FrameUserJoined     FrameType = "user_joined"
	FrameUserLeft       FrameType = "user_left"
)

// InboundTypes lists every frame type a client dispatches.
var InboundTypes = []FrameType{
	FrameMessage,
	FrameTyping,
	FramePresence,
	FrameConnected,
	FrameError,
	FrameParticipants,
	FrameMessageDeleted,
	FrameUserJoined,
	FrameUserLeft,
}

// IsInbound reports whether t is a frame type the client understands.
func (t FrameType) IsInbound() bool {
	for _, known := range InboundTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Fingerprint is an identity's raw public key. It doubles as the
// identity's address and as the envelope sender field.
type Fingerprint [FingerprintSize]byte

// ParseFingerprint decodes a hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("%w: fingerprint: %v", ErrValidation, err)
	}
	if len(raw) != FingerprintSize {
		return fp, fmt.Errorf("%w: fingerprint must be %d bytes, got %d", ErrValidation, FingerprintSize, len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

// String returns the hex form used on the wire.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns an abbreviated form for logs.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:4])
}

// IsZero reports whether f is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText encodes the fingerprint as hex.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a hex fingerprint.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	fp, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = fp
	return nil
}

// ===== HELPER FUNCTIONS =====

// UnixMilli converts t to the millisecond timestamps used on the wire.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMilli converts a wire timestamp back to time.Time.
func FromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}
