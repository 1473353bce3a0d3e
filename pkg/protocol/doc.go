// Package protocol defines the ZenTalk conversation wire schema.
//
// # Frames
//
// The client and the conversation server exchange one JSON object per
// websocket message. Every object carries a "type" discriminant and a
// protocol version "v" (currently 1; a missing "v" is read as 1).
//
// Outbound (client -> server):
//   - chat_message: {type, v, data: Message}
//   - typing: {type, v, typing: bool}
//   - mark_read: {type, v, messageId}
//   - delete_message: {type, v, messageId, rkey?}
//   - ping: {type, v}
//
// Inbound (server -> client):
//   - message, typing, presence, connected, error, participants,
//     message_deleted, user_joined, user_left
//
// ParseInbound rejects unparsable JSON, frames without a type, frames from
// a newer protocol version and frames missing the fields their type
// requires. It does not reject unknown types; see FrameType.IsInbound.
//
// # Identities
//
// A Fingerprint is the raw 32-byte public key of an identity. It is the
// identity's address, the envelope sender field and, hex-encoded, the
// value of every "user" field on the wire.
//
// # Errors
//
// The error kinds ErrConnection, ErrAuth, ErrDecryption, ErrCapacity and
// ErrValidation are shared by every package in the module. Specific errors
// wrap a kind:
//
//	if errors.Is(err, protocol.ErrCapacity) { ... }
package protocol
