// Package util provides small helpers shared across AdvisorFlow components.
package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID generates a random identifier with the given prefix and
// hex length. IDs are non-cryptographic; uniqueness at this length is
// sufficient for database keys.
func GenerateRandomID(prefix string, hexLength int) string {
	if hexLength <= 0 {
		return prefix
	}
	var b strings.Builder
	b.Grow(len(prefix) + hexLength)
	b.WriteString(prefix)
	for i := 0; i < hexLength; i++ {
		b.WriteByte(hexChars[rand.IntN(16)])
	}
	return b.String()
}

// GenerateExecutionID generates a workflow execution ID with "wx_" prefix.
func GenerateExecutionID() string {
	return GenerateRandomID("wx_", 24)
}

// GenerateCampaignExecutionID generates a campaign instance ID with "cx_" prefix.
func GenerateCampaignExecutionID() string {
	return GenerateRandomID("cx_", 24)
}

// GenerateTimerID generates a durable timer job ID with "tm_" prefix.
func GenerateTimerID() string {
	return GenerateRandomID("tm_", 24)
}

// GenerateOutboxID generates an outbox command ID with "ob_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID("ob_", 24)
}
