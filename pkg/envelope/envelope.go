// Package envelope implements the versioned envelope that carries an
// encrypted message body.
//
// Envelope text is
//
//	"ZTK:" + base64(version(1) || senderFingerprint(32) || utf8(JSON ciphertext))
//
// with version 2. The fields sit at fixed offsets, so no length prefixes
// are needed. Unknown versions are rejected.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

const (
	// Prefix marks envelope text inside arbitrary content.
	Prefix = "ZTK"

	// Version is the only envelope version this package reads or writes.
	Version byte = 2

	// MaxPlaintextSize is the truncation limit applied before encryption.
	MaxPlaintextSize = 1 << 20

	// MaxRecipients bounds the effective recipient set of a group message.
	MaxRecipients = 50

	headerSize = 1 + protocol.FingerprintSize

	// minPayloadSize is the smallest ciphertext JSON ("{}").
	minPayloadSize = 2
)

// MinEncodedLength is the shortest base64 run that can hold an envelope.
var MinEncodedLength = base64.StdEncoding.EncodedLen(headerSize + minPayloadSize)

var (
	ErrEmptyMessage      = fmt.Errorf("%w: empty message", protocol.ErrValidation)
	ErrNoRecipients      = fmt.Errorf("%w: empty recipient list", protocol.ErrValidation)
	ErrTooManyRecipients = fmt.Errorf("%w: too many recipients", protocol.ErrCapacity)
	ErrNotEnvelope       = fmt.Errorf("%w: not an envelope", protocol.ErrDecryption)
	ErrUnknownVersion    = fmt.Errorf("%w: unknown envelope version", protocol.ErrDecryption)
	ErrTruncated         = fmt.Errorf("%w: envelope too short", protocol.ErrDecryption)
)

var candidatePattern = regexp.MustCompile(regexp.QuoteMeta(Prefix) + `:((?:[A-Za-z0-9+/]{4})*(?:[A-Za-z0-9+/]{2}==|[A-Za-z0-9+/]{3}=)?)`)

// Envelope is the decoded form of envelope text. It is never persisted on
// its own.
type Envelope struct {
	Version    byte
	Sender     protocol.Fingerprint
	Ciphertext []byte // UTF-8 JSON
}

// Marshal renders env as envelope text.
func (env *Envelope) Marshal() string {
	blob := make([]byte, 0, headerSize+len(env.Ciphertext))
	blob = append(blob, env.Version)
	blob = append(blob, env.Sender[:]...)
	blob = append(blob, env.Ciphertext...)
	return Prefix + ":" + base64.StdEncoding.EncodeToString(blob)
}

// Decode parses envelope text without decrypting it.
func Decode(text string) (*Envelope, error) {
	encoded, ok := strings.CutPrefix(text, Prefix+":")
	if !ok {
		return nil, ErrNotEnvelope
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if len(blob) < headerSize+minPayloadSize {
		return nil, ErrTruncated
	}
	if blob[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, blob[0])
	}

	env := &Envelope{Version: blob[0]}
	copy(env.Sender[:], blob[1:headerSize])
	env.Ciphertext = blob[headerSize:]
	return env, nil
}

// IsCandidate reports whether text starts with an envelope prefix followed
// by a syntactically valid base64 run of plausible length. It does not
// decode the envelope.
func IsCandidate(text string) bool {
	loc := candidatePattern.FindStringSubmatchIndex(text)
	if loc == nil || loc[0] != 0 {
		return false
	}
	return loc[3]-loc[2] >= MinEncodedLength
}

// FindAll returns every envelope candidate embedded in text, in order.
func FindAll(text string) []string {
	var found []string
	for _, loc := range candidatePattern.FindAllStringSubmatchIndex(text, -1) {
		if loc[3]-loc[2] < MinEncodedLength {
			continue
		}
		found = append(found, text[loc[0]:loc[1]])
	}
	return found
}

// IsDecryptionError reports whether err is scoped to a single message.
func IsDecryptionError(err error) bool {
	return errors.Is(err, protocol.ErrDecryption)
}
