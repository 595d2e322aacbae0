package notify

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/lysyi3m/listing-comb/app/listing"
)

const marketplaceName = "Vinted"

// formatPrice renders an amount with the standard number of decimals for its
// ISO currency, falling back to two.
func formatPrice(amount decimal.Decimal, code string) string {
	scale := 2
	if unit, err := currency.ParseISO(code); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
		code = unit.String()
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s", amount.StringFixed(int32(scale)), code))
}

func itemPrice(item listing.Item) string {
	return formatPrice(item.Price.Amount, item.Price.Currency)
}

// averagePrice returns the mean price of items in the first item's currency.
func averagePrice(items []listing.Item) string {
	if len(items) == 0 {
		return formatPrice(decimal.Zero, "EUR")
	}

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Amount)
	}
	avg := total.Div(decimal.NewFromInt(int64(len(items))))
	return formatPrice(avg, items[0].Price.Currency)
}

// itemDetails lists the optional attributes present on an item using the
// given bold markers.
func itemDetails(item listing.Item, bold string) []string {
	details := []string{fmt.Sprintf("%sPrice:%s %s", bold, bold, itemPrice(item))}

	if item.Size != "" {
		details = append(details, fmt.Sprintf("%sSize:%s %s", bold, bold, item.Size))
	}
	if item.Brand != "" {
		details = append(details, fmt.Sprintf("%sBrand:%s %s", bold, bold, item.Brand))
	}
	if item.Condition != "" {
		details = append(details, fmt.Sprintf("%sCondition:%s %s", bold, bold, item.Condition))
	}
	if item.SellerRating != nil {
		details = append(details, fmt.Sprintf("%sSeller Rating:%s %.1f⭐", bold, bold, *item.SellerRating))
	}
	return details
}

func truncate(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength-3]) + "..."
}
