package market

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// BidFingerprint returns the deterministic hash binding a bid to its
// job, agent, and amount. It is an integrity/dedup fingerprint, not a
// secret: sha256 over the plain concatenation of the three values,
// with the amount rendered in its shortest decimal form.
func BidFingerprint(jobID, agentID string, amount float64) string {
	sum := sha256.Sum256([]byte(jobID + agentID + strconv.FormatFloat(amount, 'f', -1, 64)))
	return hex.EncodeToString(sum[:])
}
