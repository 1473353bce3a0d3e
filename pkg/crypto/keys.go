package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

const privateKeyPEMType = "ZENTALK PRIVATE KEY"

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyPair is an identity's X25519 key material. Public is the identity's
// fingerprint.
type KeyPair struct {
	Public  protocol.Fingerprint
	Private [32]byte
}

// GenerateKeyPair generates a new X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromPrivate derives the public half from a private scalar.
func KeyPairFromPrivate(priv [32]byte) (*KeyPair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidKey
	}
	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ExportPrivateKeyPEM exports the private key to PEM format
func ExportPrivateKeyPEM(kp *KeyPair) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyPEMType,
		Bytes: kp.Private[:],
	})
}

// ImportPrivateKeyPEM imports a key pair from PEM format
func ImportPrivateKeyPEM(pemData []byte) (*KeyPair, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != privateKeyPEMType || len(block.Bytes) != 32 {
		return nil, ErrInvalidKey
	}

	var priv [32]byte
	copy(priv[:], block.Bytes)
	return KeyPairFromPrivate(priv)
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}
