package ledger

import "github.com/neuroloop/backend/internal/core"

// MerkleRoot reduces an ordered batch of hex hashes to a single root:
// SHA-256 over the concatenation of each pair, duplicating the last hash
// when a level is odd. A single leaf is its own root; an empty batch has
// none.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}

	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		var nextLevel []string

		for i := 0; i < len(level); i += 2 {
			left := level[i]
			var right string

			if i+1 < len(level) {
				right = level[i+1]
			} else {
				// Duplicate last hash if odd number
				right = left
			}

			nextLevel = append(nextLevel, HashHex([]byte(left+right)))
		}
		level = nextLevel
	}

	return level[0]
}

// EventBatchRoot computes the Merkle root over the event hashes of a batch,
// in the order given. Used by verification reports to attest a whole range
// with one value.
func EventBatchRoot(events []*core.LedgerEvent) string {
	hashes := make([]string, 0, len(events))
	for _, event := range events {
		if event == nil {
			continue
		}
		hashes = append(hashes, event.EventHash)
	}
	return MerkleRoot(hashes)
}
