package notify

import (
	"context"

	"github.com/lysyi3m/listing-comb/app/listing"
)

// RuleContext carries the rule-level details a channel needs to template
// and route a message.
type RuleContext struct {
	RuleName string
	Locale   string
	Webhook  string // Optional per-rule webhook override
}

// Channel is a notification destination. Notify and NotifyBatch return nil
// only when the destination accepted the message.
type Channel interface {
	Name() string
	Enabled(rc RuleContext) bool
	Notify(ctx context.Context, item listing.Item, rc RuleContext) error
	NotifyBatch(ctx context.Context, items []listing.Item, rc RuleContext) error
}
