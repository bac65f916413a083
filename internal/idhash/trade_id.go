package idhash

import "fmt"

// ComputeTradeID computes a deterministic trade id for an exited intent.
// Formula: base58(SHA256(intent_id|exit_reason|exit_time_ms))
func ComputeTradeID(
	intentID string,
	exitReason string,
	exitTimeMs int64,
) string {
	data := fmt.Sprintf("%s|%s|%d",
		intentID,
		exitReason,
		exitTimeMs,
	)
	return encode(data)
}
