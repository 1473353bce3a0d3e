package storage

import (
	"database/sql"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// ===== HELPER FUNCTIONS =====

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

func nullString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

// parseFingerprints decodes hex fingerprints, skipping malformed rows.
func parseFingerprints(hexes []string) []protocol.Fingerprint {
	out := make([]protocol.Fingerprint, 0, len(hexes))
	for _, h := range hexes {
		fp, err := protocol.ParseFingerprint(h)
		if err != nil {
			continue
		}
		out = append(out, fp)
	}
	return out
}
