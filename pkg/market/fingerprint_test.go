package market

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestBidFingerprintDeterministic(t *testing.T) {
	a := BidFingerprint("job_1", "agent_1", 250)
	b := BidFingerprint("job_1", "agent_1", 250)
	if a != b {
		t.Fatal("fingerprint must be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestBidFingerprintBindsAllInputs(t *testing.T) {
	base := BidFingerprint("job_1", "agent_1", 250)
	if BidFingerprint("job_2", "agent_1", 250) == base {
		t.Fatal("fingerprint must bind job id")
	}
	if BidFingerprint("job_1", "agent_2", 250) == base {
		t.Fatal("fingerprint must bind agent id")
	}
	if BidFingerprint("job_1", "agent_1", 251) == base {
		t.Fatal("fingerprint must bind amount")
	}
}

func TestBidFingerprintAmountRendering(t *testing.T) {
	// Integral amounts hash without a trailing fraction.
	sum := sha256.Sum256([]byte("job_1agent_1250"))
	if BidFingerprint("job_1", "agent_1", 250) != hex.EncodeToString(sum[:]) {
		t.Fatal("integral amount should render as plain decimal")
	}

	sum = sha256.Sum256([]byte("job_1agent_1250.5"))
	if BidFingerprint("job_1", "agent_1", 250.5) != hex.EncodeToString(sum[:]) {
		t.Fatal("fractional amount should render in shortest form")
	}
}
