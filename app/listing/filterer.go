package listing

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Run partitions items into those passing every criterion of the rule and
// those skipped, preserving input order in both.
func (f *Filterer) Run(items []Item, rule *Rule) ([]Item, []Skipped) {
	passed := make([]Item, 0, len(items))
	var skipped []Skipped

	for _, item := range items {
		verdict := f.Evaluate(item, rule)
		if verdict.Passed {
			passed = append(passed, item)
			continue
		}

		slog.Debug("Listing filtered out", "rule", rule.Name, "id", item.ID, "reason", verdict.Reason)
		skipped = append(skipped, Skipped{Item: item, Reason: verdict.Reason})
	}

	return passed, skipped
}

// Evaluate applies price, keyword and seller criteria in that order and
// stops at the first failure.
func (f *Filterer) Evaluate(item Item, rule *Rule) Verdict {
	if ok, reason := f.checkPrice(item, rule); !ok {
		return Verdict{Reason: reason}
	}
	if ok, reason := f.checkKeywords(item, rule); !ok {
		return Verdict{Reason: reason}
	}
	if ok, reason := f.checkSeller(item, rule); !ok {
		return Verdict{Reason: reason}
	}
	return Verdict{Passed: true}
}

func (f *Filterer) checkPrice(item Item, rule *Rule) (bool, string) {
	amount := item.Price.Amount

	if rule.PriceMin != nil {
		minPrice := decimal.NewFromFloat(*rule.PriceMin)
		if amount.LessThan(minPrice) {
			return false, fmt.Sprintf("Price %s below minimum %s", amount.String(), minPrice.String())
		}
	}

	if rule.PriceMax != nil {
		maxPrice := decimal.NewFromFloat(*rule.PriceMax)
		if amount.GreaterThan(maxPrice) {
			return false, fmt.Sprintf("Price %s above maximum %s", amount.String(), maxPrice.String())
		}
	}

	return true, ""
}

func (f *Filterer) checkKeywords(item Item, rule *Rule) (bool, string) {
	searchText := item.Title
	if item.Brand != "" {
		searchText += " " + item.Brand
	}

	fold := cases.Fold()
	text := fold.String(searchText)

	var excluded []string
	for _, keyword := range rule.ExcludeKeywords {
		if strings.Contains(text, fold.String(keyword)) {
			excluded = append(excluded, keyword)
		}
	}
	if len(excluded) > 0 {
		return false, "Contains excluded keyword(s): " + strings.Join(excluded, ", ")
	}

	if len(rule.IncludeKeywords) == 0 {
		return true, ""
	}

	for _, keyword := range rule.IncludeKeywords {
		if strings.Contains(text, fold.String(keyword)) {
			return true, ""
		}
	}

	return false, "Missing required keyword(s): " + strings.Join(rule.IncludeKeywords, ", ")
}

func (f *Filterer) checkSeller(item Item, rule *Rule) (bool, string) {
	if rule.MinSellerRating != nil {
		if item.SellerRating == nil {
			return false, "Seller rating not available"
		}
		if *item.SellerRating < *rule.MinSellerRating {
			return false, fmt.Sprintf("Seller rating %.1f below minimum %.1f", *item.SellerRating, *rule.MinSellerRating)
		}
	}

	if rule.MinSellerReviews != nil {
		if item.SellerReviews == nil {
			return false, "Seller review count not available"
		}
		if *item.SellerReviews < *rule.MinSellerReviews {
			return false, fmt.Sprintf("Seller review count %d below minimum %d", *item.SellerReviews, *rule.MinSellerReviews)
		}
	}

	return true, ""
}
