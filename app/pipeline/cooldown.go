package pipeline

import (
	"time"

	"github.com/lysyi3m/listing-comb/app/listing"
)

// EffectiveCooldown returns the rule's own cooldown when set, zero included,
// and the process default otherwise.
func EffectiveCooldown(rule *listing.Rule, defaultCooldown time.Duration) time.Duration {
	if rule.CooldownMinutes != nil {
		return time.Duration(*rule.CooldownMinutes) * time.Minute
	}
	return defaultCooldown
}

// EffectiveBatchSize returns the maximum number of listings notified per
// rule execution. Zero means unbounded.
func EffectiveBatchSize(rule *listing.Rule, defaultSize int) int {
	if rule.MaxBatchSize > 0 {
		return rule.MaxBatchSize
	}
	if defaultSize > 0 {
		return defaultSize
	}
	return 0
}
