package envelope

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// Sealer is the set of encryption primitives the codec dispatches to.
// crypto.Box is the default implementation.
type Sealer interface {
	EncryptSolo(plaintext []byte, recipient protocol.Fingerprint) (*crypto.Sealed, error)
	EncryptGroup(plaintext []byte, recipients []protocol.Fingerprint) (*crypto.Sealed, error)
	DecryptSolo(sealed *crypto.Sealed, kp *crypto.KeyPair) ([]byte, error)
	DecryptGroup(sealed *crypto.Sealed, kp *crypto.KeyPair) ([]byte, error)
}

// Codec encodes plaintext into envelope text and back.
type Codec struct {
	sealer Sealer
	logger *zap.Logger
}

// NewCodec creates a codec. A nil sealer selects crypto.NewBox().
func NewCodec(sealer Sealer, logger *zap.Logger) *Codec {
	if sealer == nil {
		sealer = crypto.NewBox()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{sealer: sealer, logger: logger}
}

// Encode encrypts plaintext for recipients plus the sender and returns
// envelope text. The sender is always added to the recipient set so it
// can read its own sent messages.
func (c *Codec) Encode(plaintext []byte, recipients []protocol.Fingerprint, sender protocol.Fingerprint) (string, error) {
	if len(plaintext) == 0 {
		return "", ErrEmptyMessage
	}
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}
	if sender.IsZero() {
		return "", fmt.Errorf("%w: sender fingerprint unset", protocol.ErrValidation)
	}

	if len(plaintext) > MaxPlaintextSize {
		c.logger.Warn("truncating oversized plaintext",
			zap.Int("size", len(plaintext)), zap.Int("limit", MaxPlaintextSize))
		plaintext = Truncate(plaintext, MaxPlaintextSize)
	}

	effective := EffectiveRecipients(recipients, sender)
	if len(effective) > MaxRecipients {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyRecipients, len(effective), MaxRecipients)
	}

	var (
		sealed *crypto.Sealed
		err    error
	)
	if len(effective) <= 1 {
		sealed, err = c.sealer.EncryptSolo(plaintext, effective[0])
	} else {
		sealed, err = c.sealer.EncryptGroup(plaintext, effective)
	}
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	payload, err := json.Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("marshal ciphertext: %w", err)
	}

	env := &Envelope{Version: Version, Sender: sender, Ciphertext: payload}
	return env.Marshal(), nil
}

// Decrypt opens env with the local identity's key pair. The recipient
// count stored in the ciphertext selects the solo or group primitive.
func (c *Codec) Decrypt(env *Envelope, local *crypto.KeyPair) ([]byte, error) {
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, env.Version)
	}

	var sealed crypto.Sealed
	if err := json.Unmarshal(env.Ciphertext, &sealed); err != nil {
		return nil, fmt.Errorf("%w: corrupt ciphertext: %v", protocol.ErrDecryption, err)
	}

	var (
		plaintext []byte
		err       error
	)
	if sealed.Recipients <= 1 {
		plaintext, err = c.sealer.DecryptSolo(&sealed, local)
	} else {
		plaintext, err = c.sealer.DecryptGroup(&sealed, local)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecryption, err)
	}
	return plaintext, nil
}

// Open decodes envelope text and decrypts it in one step.
func (c *Codec) Open(text string, local *crypto.KeyPair) (*Envelope, []byte, error) {
	env, err := Decode(text)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := c.Decrypt(env, local)
	if err != nil {
		return env, nil, err
	}
	return env, plaintext, nil
}

// EffectiveRecipients returns recipients with sender appended, without
// duplicates, preserving first-seen order.
func EffectiveRecipients(recipients []protocol.Fingerprint, sender protocol.Fingerprint) []protocol.Fingerprint {
	seen := make(map[protocol.Fingerprint]struct{}, len(recipients)+1)
	out := make([]protocol.Fingerprint, 0, len(recipients)+1)
	for _, fp := range append(recipients[:len(recipients):len(recipients)], sender) {
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}
	return out
}

// Truncate cuts b to at most limit bytes without splitting a UTF-8 rune.
func Truncate(b []byte, limit int) []byte {
	if len(b) <= limit {
		return b
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return b[:cut]
}
