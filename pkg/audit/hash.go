package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"

	"fleetops/warden/pkg/canonical"
)

// envelope is the hashed payload of an entry. Binding tenant, sequence, kind
// and the index columns into the hash means none of them can be edited in
// storage without breaking verification.
type envelope struct {
	Tenant   string          `json:"tenant"`
	Sequence int64           `json:"sequence"`
	Kind     Kind            `json:"kind"`
	Index    Index           `json:"index"`
	Record   json.RawMessage `json:"record"`
}

// buildPayload returns the canonical JSON payload for an entry.
func buildPayload(tenant string, seq int64, kind Kind, idx Index, record json.RawMessage) ([]byte, error) {
	return canonical.Marshal(envelope{
		Tenant:   tenant,
		Sequence: seq,
		Kind:     kind,
		Index:    idx,
		Record:   record,
	})
}

// FormatTimestamp renders t the way it is bound into entry hashes.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeHash returns hex(SHA-256(prevHash || payload || timestamp)).
func ComputeHash(prevHash string, payload []byte, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	h.Write([]byte(FormatTimestamp(ts)))
	return hex.EncodeToString(h.Sum(nil))
}

// checkEntry verifies one entry against the expected sequence and the
// accepted hashes of its predecessor. It returns "" when the entry is sound,
// otherwise the reason it is not.
func checkEntry(e *Entry, wantSeq int64, prevHashes ...string) string {
	if e.Sequence != wantSeq {
		return "sequence gap"
	}
	if !slices.Contains(prevHashes, e.PrevHash) {
		return "prev_hash does not match predecessor"
	}

	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return "payload is not valid JSON"
	}
	if env.Tenant != e.Tenant || env.Sequence != e.Sequence || env.Kind != e.Kind || env.Index != e.Index {
		return "indexed columns do not match payload"
	}

	if ComputeHash(e.PrevHash, e.Payload, e.Timestamp) != e.EntryHash {
		return "entry hash mismatch"
	}
	return ""
}
