package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp
}

func TestBoxSolo(t *testing.T) {
	b := NewBox()
	alice := mustKeyPair(t)
	mallory := mustKeyPair(t)

	sealed, err := b.EncryptSolo([]byte("hello"), alice.Public)
	if err != nil {
		t.Fatalf("EncryptSolo() error = %v", err)
	}
	if sealed.Recipients != 1 {
		t.Errorf("Recipients = %d, want 1", sealed.Recipients)
	}

	plaintext, err := b.DecryptSolo(sealed, alice)
	if err != nil {
		t.Fatalf("DecryptSolo() error = %v", err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("DecryptSolo() = %q, want %q", plaintext, "hello")
	}

	if _, err := b.DecryptSolo(sealed, mallory); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptSolo() by non-recipient error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestBoxGroup(t *testing.T) {
	b := NewBox()
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	carol := mustKeyPair(t)

	sealed, err := b.EncryptGroup([]byte("hi"), []protocol.Fingerprint{bob.Public, alice.Public})
	if err != nil {
		t.Fatalf("EncryptGroup() error = %v", err)
	}
	if sealed.Recipients != 2 || len(sealed.Keys) != 2 {
		t.Fatalf("Recipients = %d, keys = %d, want 2", sealed.Recipients, len(sealed.Keys))
	}

	for _, kp := range []*KeyPair{alice, bob} {
		plaintext, err := b.DecryptGroup(sealed, kp)
		if err != nil {
			t.Fatalf("DecryptGroup() error = %v", err)
		}
		if !bytes.Equal(plaintext, []byte("hi")) {
			t.Errorf("DecryptGroup() = %q, want %q", plaintext, "hi")
		}
	}

	if _, err := b.DecryptGroup(sealed, carol); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptGroup() by outsider error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestBoxGroupCorruptBody(t *testing.T) {
	b := NewBox()
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	sealed, _ := b.EncryptGroup([]byte("payload"), []protocol.Fingerprint{alice.Public, bob.Public})
	sealed.Body[0] ^= 0xff

	if _, err := b.DecryptGroup(sealed, alice); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptGroup() on corrupt body error = %v, want %v", err, ErrDecryptionFailed)
	}

	sealed.Nonce = sealed.Nonce[:10]
	if _, err := b.DecryptGroup(sealed, alice); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptGroup() with short nonce error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestBoxGroupRequiresRecipients(t *testing.T) {
	if _, err := NewBox().EncryptGroup([]byte("x"), nil); !errors.Is(err, ErrEncryptionFailed) {
		t.Errorf("EncryptGroup(nil) error = %v, want %v", err, ErrEncryptionFailed)
	}
}
