package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ChainHash computes SHA256 over the pipe-joined parts, lower-cased hex
// encoded. It is the one place that implements the
// "prev_hash | event_type | event_version | canonical_json(payload)" style
// input shared by the audit log, the exposure-event chain, and the
// decision-token chain input described in spec §6.
//
// An empty part is still joined with its separator — callers that need to
// omit `prev_hash` on the first event in a chain should pass "" explicitly
// so every consumer computes the same bytes.
func ChainHash(parts ...string) string {
	joined := strings.Join(parts, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Sha256Hex hashes raw bytes and returns lowercase hex, the common case for
// hashing canonical_json(payload) output before feeding it into ChainHash
// or comparing it directly against a stored hash.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
