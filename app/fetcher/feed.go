package fetcher

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/shopspring/decimal"

	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/pipeline"
)

// Namespace prefix of the Google merchant attributes (g:price, g:brand...)
const merchantPrefix = "g"

var _ pipeline.Fetcher = (*FeedClient)(nil)

// FeedClient reads listings from an RSS/Atom search feed. The URL template
// accepts {query} and {locale} placeholders.
type FeedClient struct {
	urlTemplate  string
	getter       *getter
	gofeedParser *gofeed.Parser
}

func NewFeedClient(urlTemplate string, opts Options) *FeedClient {
	return &FeedClient{
		urlTemplate:  urlTemplate,
		getter:       newGetter("feed", &http.Client{Timeout: opts.Timeout}, opts),
		gofeedParser: gofeed.NewParser(),
	}
}

func (c *FeedClient) Fetch(ctx context.Context, q pipeline.Query) ([]listing.Item, error) {
	var items []listing.Item
	seen := make(map[string]bool)

	for _, keyword := range q.Keywords {
		data, err := c.getter.get(ctx, c.feedURL(keyword, q.Locale), nil)
		if err != nil {
			return nil, fmt.Errorf("search %q (%s): %w", keyword, q.Locale, err)
		}

		found, err := c.Parse(data)
		if err != nil {
			return nil, err
		}

		for _, item := range found {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			items = append(items, item)
		}
	}

	return items, nil
}

func (c *FeedClient) Parse(data []byte) ([]listing.Item, error) {
	feed, err := c.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	items := make([]listing.Item, 0, len(feed.Items))
	for _, item := range feed.Items {
		normalized, priced := c.normalizeItem(item)
		if normalized.ID == "" {
			continue
		}
		// Unpriced items cannot be checked against price bounds.
		if !priced {
			slog.Debug("Skipping feed item without a price", "id", normalized.ID, "price", merchantAttr(item, "price"))
			continue
		}
		items = append(items, normalized)
	}
	return items, nil
}

func (c *FeedClient) feedURL(keyword, locale string) string {
	return strings.NewReplacer(
		"{query}", url.QueryEscape(keyword),
		"{locale}", url.QueryEscape(locale),
	).Replace(c.urlTemplate)
}

func (c *FeedClient) normalizeItem(item *gofeed.Item) (listing.Item, bool) {
	normalized := listing.Item{
		ID:        cmp.Or(item.GUID, item.Link),
		Title:     strings.TrimSpace(item.Title),
		URL:       item.Link,
		Brand:     merchantAttr(item, "brand"),
		Size:      merchantAttr(item, "size"),
		Condition: merchantAttr(item, "condition"),
	}

	price, priced := parsePrice(merchantAttr(item, "price"))
	normalized.Price = price

	if item.Image != nil {
		normalized.Thumbnail = item.Image.URL
	} else if len(item.Enclosures) > 0 && item.Enclosures[0] != nil && strings.HasPrefix(item.Enclosures[0].Type, "image/") {
		normalized.Thumbnail = item.Enclosures[0].URL
	} else {
		normalized.Thumbnail = merchantAttr(item, "image_link")
	}

	return normalized, priced
}

func merchantAttr(item *gofeed.Item, name string) string {
	if item.Extensions == nil {
		return ""
	}
	values := item.Extensions[merchantPrefix][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(firstValue(values))
}

func firstValue(values []ext.Extension) string {
	for _, v := range values {
		if v.Value != "" {
			return v.Value
		}
	}
	return ""
}

// parsePrice reads merchant prices of the form "12.50 EUR".
func parsePrice(value string) (listing.Price, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return listing.Price{}, false
	}

	amount, err := decimal.NewFromString(strings.ReplaceAll(fields[0], ",", "."))
	if err != nil {
		return listing.Price{}, false
	}

	price := listing.Price{Amount: amount}
	if len(fields) > 1 {
		price.Currency = strings.ToUpper(fields[1])
	}
	return price, true
}
