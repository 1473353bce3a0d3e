package crypto

import (
	"golang.org/x/crypto/blake2b"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// KeyIDSize is the length of the recipient hint stored next to each
// wrapped group key.
const KeyIDSize = 8

// KeyID returns the truncated BLAKE2b hash of a fingerprint. It lets a
// recipient find its wrapped key without publishing the full key set.
func KeyID(fp protocol.Fingerprint) []byte {
	sum := blake2b.Sum256(fp[:])
	return sum[:KeyIDSize]
}
