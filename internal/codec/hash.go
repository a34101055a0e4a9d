package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ContentKey returns a hex blake3-256 digest of the deterministic CBOR
// encoding of v. Identical content yields the identical key, which the
// collector uses to recognise replayed deliveries.
func ContentKey(v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode key input: %w", err)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
