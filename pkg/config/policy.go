package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agoralabs/agora/pkg/admission"
	"github.com/agoralabs/agora/pkg/board"
	"github.com/agoralabs/agora/pkg/delivery"
	"github.com/agoralabs/agora/pkg/reputation"
)

// MarketPolicy is the operator-tunable marketplace profile. Zero or
// missing fields fall back to the production defaults.
type MarketPolicy struct {
	BaselineScore      int64 `yaml:"baseline_score" json:"baseline_score"`
	MinBidScore        int64 `yaml:"min_bid_score" json:"min_bid_score"`
	FloodWindowSecs    int64 `yaml:"flood_window_secs" json:"flood_window_secs"`
	FloodMaxBids       int   `yaml:"flood_max_bids" json:"flood_max_bids"`
	SpamPenalty        int64 `yaml:"spam_penalty" json:"spam_penalty"`
	GraceSecs          int64 `yaml:"grace_secs" json:"grace_secs"`
	NonDeliveryPenalty int64 `yaml:"non_delivery_penalty" json:"non_delivery_penalty"`
	DefaultMaxBids     int   `yaml:"default_max_bids" json:"default_max_bids"`
	JobTTLSecs         int64 `yaml:"job_ttl_secs" json:"job_ttl_secs"`
}

// DefaultMarketPolicy returns the production profile.
func DefaultMarketPolicy() MarketPolicy {
	adm := admission.DefaultPolicy()
	del := delivery.DefaultPolicy()
	return MarketPolicy{
		BaselineScore:      reputation.DefaultBaseline,
		MinBidScore:        adm.MinScore,
		FloodWindowSecs:    adm.FloodWindow,
		FloodMaxBids:       adm.FloodMax,
		SpamPenalty:        adm.SpamPenalty,
		GraceSecs:          del.GraceSeconds,
		NonDeliveryPenalty: del.NonDeliveryPenalty,
		DefaultMaxBids:     board.DefaultMaxBids,
		JobTTLSecs:         board.DefaultJobTTL,
	}
}

// LoadMarketPolicy reads a YAML profile from path. An empty path
// returns the defaults. Fields absent from the file keep their
// default values.
func LoadMarketPolicy(path string) (MarketPolicy, error) {
	policy := DefaultMarketPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("load market policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("parse market policy %s: %w", path, err)
	}

	if policy.SpamPenalty > 0 || policy.NonDeliveryPenalty > 0 {
		return policy, fmt.Errorf("parse market policy %s: penalties must be negative", path)
	}
	return policy, nil
}

// Admission converts the profile into an admission policy.
func (p MarketPolicy) Admission() admission.Policy {
	return admission.Policy{
		MinScore:    p.MinBidScore,
		FloodWindow: p.FloodWindowSecs,
		FloodMax:    p.FloodMaxBids,
		SpamPenalty: p.SpamPenalty,
	}
}

// Delivery converts the profile into a delivery policy.
func (p MarketPolicy) Delivery() delivery.Policy {
	return delivery.Policy{
		GraceSeconds:       p.GraceSecs,
		NonDeliveryPenalty: p.NonDeliveryPenalty,
	}
}
