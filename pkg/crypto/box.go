package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// Sealed is the ciphertext structure produced by Box. Recipients is the
// recipient-count marker used to pick the decryption path.
type Sealed struct {
	Recipients int          `json:"recipients"`
	Box        []byte       `json:"box,omitempty"`   // solo: anonymous box of the plaintext
	Nonce      []byte       `json:"nonce,omitempty"` // group: secretbox nonce
	Body       []byte       `json:"body,omitempty"`  // group: secretbox of the plaintext
	Keys       []WrappedKey `json:"keys,omitempty"`  // group: content key per recipient
}

// WrappedKey is the group content key sealed to one recipient.
type WrappedKey struct {
	KeyID []byte `json:"kid"`
	Box   []byte `json:"box"`
}

// Box implements solo and group encryption with NaCl anonymous boxes.
// Solo messages are sealed directly to the recipient. Group messages are
// encrypted once under a random content key, which is then sealed to each
// recipient.
type Box struct {
	rand io.Reader
}

// NewBox returns a Box reading randomness from crypto/rand.
func NewBox() *Box {
	return &Box{rand: rand.Reader}
}

// EncryptSolo seals plaintext to a single recipient.
func (b *Box) EncryptSolo(plaintext []byte, recipient protocol.Fingerprint) (*Sealed, error) {
	pub := [32]byte(recipient)
	sealed, err := box.SealAnonymous(nil, plaintext, &pub, b.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return &Sealed{Recipients: 1, Box: sealed}, nil
}

// EncryptGroup seals plaintext so that every recipient can open it.
func (b *Box) EncryptGroup(plaintext []byte, recipients []protocol.Fingerprint) (*Sealed, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrEncryptionFailed)
	}

	var contentKey [32]byte
	if _, err := io.ReadFull(b.rand, contentKey[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(b.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := &Sealed{
		Recipients: len(recipients),
		Nonce:      nonce[:],
		Body:       secretbox.Seal(nil, plaintext, &nonce, &contentKey),
		Keys:       make([]WrappedKey, 0, len(recipients)),
	}

	for _, r := range recipients {
		pub := [32]byte(r)
		wrapped, err := box.SealAnonymous(nil, contentKey[:], &pub, b.rand)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		sealed.Keys = append(sealed.Keys, WrappedKey{KeyID: KeyID(r), Box: wrapped})
	}

	return sealed, nil
}

// DecryptSolo opens a single-recipient ciphertext.
func (b *Box) DecryptSolo(sealed *Sealed, kp *KeyPair) ([]byte, error) {
	pub := [32]byte(kp.Public)
	plaintext, ok := box.OpenAnonymous(nil, sealed.Box, &pub, &kp.Private)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DecryptGroup unwraps the content key addressed to kp and opens the body.
func (b *Box) DecryptGroup(sealed *Sealed, kp *KeyPair) ([]byte, error) {
	if len(sealed.Nonce) != 24 {
		return nil, ErrDecryptionFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed.Nonce)

	pub := [32]byte(kp.Public)
	kid := KeyID(kp.Public)

	for _, wk := range sealed.Keys {
		if !bytes.Equal(wk.KeyID, kid) {
			continue
		}
		raw, ok := box.OpenAnonymous(nil, wk.Box, &pub, &kp.Private)
		if !ok || len(raw) != 32 {
			continue
		}
		var contentKey [32]byte
		copy(contentKey[:], raw)

		plaintext, ok := secretbox.Open(nil, sealed.Body, &nonce, &contentKey)
		if !ok {
			return nil, ErrDecryptionFailed
		}
		return plaintext, nil
	}

	return nil, ErrDecryptionFailed
}
