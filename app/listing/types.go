package listing

import (
	"github.com/shopspring/decimal"
)

// Marketplace listing types

type Price struct {
	Amount   decimal.Decimal
	Currency string
}

type Item struct {
	ID            string
	Title         string
	Price         Price
	Size          string
	Brand         string
	Condition     string
	SellerRating  *float64 // 0 to 5 scale
	SellerReviews *int
	URL           string
	Thumbnail     string
}

// Rule types

type Rule struct {
	Name             string   // Derived from filename (without extension)
	Keywords         []string `yaml:"keywords"`
	Locales          []string `yaml:"locales"`
	PriceMin         *float64 `yaml:"price_min"`
	PriceMax         *float64 `yaml:"price_max"`
	IncludeKeywords  []string `yaml:"include_keywords"`
	ExcludeKeywords  []string `yaml:"exclude_keywords"`
	MinSellerRating  *float64 `yaml:"min_seller_rating"`
	MinSellerReviews *int     `yaml:"min_seller_reviews"`
	CooldownMinutes  *int     `yaml:"cooldown_minutes"`
	Enabled          *bool    `yaml:"enabled"`
	MaxBatchSize     int      `yaml:"max_batch_size"` // 0 means process default
	Webhook          string   `yaml:"webhook"`        // Slack webhook override
}

func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Filter types

type Verdict struct {
	Passed bool
	Reason string
}

type Skipped struct {
	Item   Item
	Reason string
}
