// Package ledger implements the append-only audit chain: canonical event
// hashing, chain verification, signing of critical events, the three-tier
// storage fan-out processor, and the facade that owns the chain cursor.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/neuroloop/backend/internal/core"
)

// CanonicalJSON renders v in the canonical hashing form: null-valued object
// fields dropped, keys sorted lexicographically, UTF-8, no HTML escaping,
// no insignificant whitespace. Two structurally equal values always produce
// identical bytes, whatever order their fields were assembled in.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	// Round-trip through a generic tree so map keys come back sorted and
	// null fields can be stripped. UseNumber keeps numeric literals verbatim
	// instead of reformatting them through float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stripNulls(tree)); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}

	// Encoder appends a newline; the canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// stripNulls removes null-valued fields from objects at every depth.
// Array elements are positional and therefore kept, null or not.
func stripNulls(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			out[k] = stripNulls(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = stripNulls(item)
		}
		return out
	default:
		return v
	}
}

// HashHex returns the SHA-256 of data, hex encoded.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeEventHash hashes the canonical form of the event payload plus the
// supplied previous hash. The hash and signature fields are excluded by
// construction: the payload is assembled field by field, never from the
// serialized event.
func ComputeEventHash(event *core.LedgerEvent, previousHash string) (string, error) {
	if event == nil {
		return "", fmt.Errorf("compute event hash: nil event")
	}

	fields := map[string]interface{}{
		"event_id":      event.EventID,
		"timestamp":     event.Timestamp,
		"event_type":    string(event.EventType),
		"previous_hash": previousHash,
	}
	if event.SessionID != "" {
		fields["session_id"] = event.SessionID
	}
	if event.DeviceID != "" {
		fields["device_id"] = event.DeviceID
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.DataHash != "" {
		fields["data_hash"] = event.DataHash
	}
	if len(event.Metadata) > 0 {
		fields["metadata"] = event.Metadata
	}

	canonical, err := CanonicalJSON(fields)
	if err != nil {
		return "", err
	}
	return HashHex(canonical), nil
}

// VerifyChain walks events in order and checks both chain linkage and each
// recomputed event hash. Returns (true, -1) when intact, otherwise false and
// the index of the first broken event.
//
// The first event's PreviousHash is taken as given: a mid-chain range cannot
// know the tail that preceded it. Callers verifying from genesis must check
// events[0].PreviousHash against core.GenesisHash themselves; the facade's
// VerifyChainIntegrity does exactly that.
func VerifyChain(events []*core.LedgerEvent) (bool, int) {
	for i, event := range events {
		if event == nil {
			return false, i
		}
		if i > 0 && event.PreviousHash != events[i-1].EventHash {
			return false, i
		}
		recomputed, err := ComputeEventHash(event, event.PreviousHash)
		if err != nil {
			return false, i
		}
		if recomputed != event.EventHash {
			return false, i
		}
	}
	return true, -1
}

// FindChainBreak returns the index of the first broken event, or -1 when the
// chain is intact.
func FindChainBreak(events []*core.LedgerEvent) int {
	_, idx := VerifyChain(events)
	return idx
}
