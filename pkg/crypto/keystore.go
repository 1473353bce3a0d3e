package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealedKeyPEMType = "ZENTALK ENCRYPTED PRIVATE KEY"
	keyFileExt       = ".key"

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16
)

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// SealPrivateKey encrypts kp's private key under passphrase. The result
// is a PEM block carrying the argon2id salt and secretbox nonce as headers.
func SealPrivateKey(kp *KeyPair, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	key := deriveKey(passphrase, salt)
	return pem.EncodeToMemory(&pem.Block{
		Type: sealedKeyPEMType,
		Headers: map[string]string{
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce[:]),
		},
		Bytes: secretbox.Seal(nil, kp.Private[:], &nonce, &key),
	}), nil
}

// OpenPrivateKey reverses SealPrivateKey.
func OpenPrivateKey(data []byte, passphrase string) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != sealedKeyPEMType {
		return nil, ErrInvalidKey
	}
	salt, err := hex.DecodeString(block.Headers["Salt"])
	if err != nil || len(salt) != saltSize {
		return nil, ErrInvalidKey
	}
	rawNonce, err := hex.DecodeString(block.Headers["Nonce"])
	if err != nil || len(rawNonce) != 24 {
		return nil, ErrInvalidKey
	}
	var nonce [24]byte
	copy(nonce[:], rawNonce)

	key := deriveKey(passphrase, salt)
	priv, ok := secretbox.Open(nil, block.Bytes, &nonce, &key)
	if !ok {
		return nil, ErrWrongPassphrase
	}
	if len(priv) != 32 {
		return nil, ErrInvalidKey
	}
	return KeyPairFromPrivate([32]byte(priv))
}

func deriveKey(passphrase string, salt []byte) [32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32))
	return key
}

// Keystore keeps passphrase-sealed identity keys in a directory, one file
// per identity id.
type Keystore struct {
	Dir string
}

func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore: %w", err)
	}
	return &Keystore{Dir: dir}, nil
}

func (k *Keystore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: bad identity id %q", ErrInvalidKey, id)
	}
	return filepath.Join(k.Dir, id+keyFileExt), nil
}

// Save seals kp under passphrase and writes it for identity id.
func (k *Keystore) Save(id string, kp *KeyPair, passphrase string) error {
	p, err := k.path(id)
	if err != nil {
		return err
	}
	data, err := SealPrivateKey(kp, passphrase)
	if err != nil {
		return err
	}
	return SaveKeyToFile(p, data)
}

// UnlockIdentity opens the key of identity id.
func (k *Keystore) UnlockIdentity(ctx context.Context, id, passphrase string) (*KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := k.path(id)
	if err != nil {
		return nil, err
	}
	data, err := LoadKeyFromFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return OpenPrivateKey(data, passphrase)
}

// Export writes the key of identity id to path as an unencrypted PEM file
// readable by ImportPrivateKeyPEM.
func (k *Keystore) Export(ctx context.Context, id, passphrase, path string) error {
	kp, err := k.UnlockIdentity(ctx, id, passphrase)
	if err != nil {
		return err
	}
	return SaveKeyToFile(path, ExportPrivateKeyPEM(kp))
}

// Remove deletes the key of identity id. Missing keys are not an error.
func (k *Keystore) Remove(id string) error {
	p, err := k.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the identity ids with a stored key.
func (k *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(k.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keyFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), keyFileExt))
	}
	return ids, nil
}
