package idhash

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"

	"mtf-feed/internal/domain"
)

// ComputeSignalID computes a deterministic signal id.
// Formula: base58(SHA256(user_id|broker_link_id|symbol|direction|generated_at_ms))
func ComputeSignalID(
	link domain.LinkID,
	symbol string,
	direction domain.Direction,
	generatedAtMs int64,
) string {
	data := fmt.Sprintf("%d|%d|%s|%s|%d",
		link.UserID,
		link.BrokerLinkID,
		symbol,
		string(direction),
		generatedAtMs,
	)
	return encode(data)
}

// ComputeIntentID computes a deterministic intent id. A signal yields at most one intent.
// Formula: base58(SHA256("intent"|signal_id))
func ComputeIntentID(signalID string) string {
	return encode("intent|" + signalID)
}

func encode(data string) string {
	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:])
}
