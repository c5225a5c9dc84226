package state

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a stable hex digest of the state's canonical JSON.
// Two byte-identical states always hash the same, which is what the
// at-most-once work-item emission dedup keys on.
func (s *ThreadState) Fingerprint() string {
	// encoding/json emits struct fields in declaration order and map keys
	// sorted, so the serialization is canonical.
	data, err := json.Marshal(s)
	if err != nil {
		// ThreadState contains only marshalable types; this cannot happen at
		// runtime with a well-formed value.
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
