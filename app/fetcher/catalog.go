package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/pipeline"
)

const catalogPath = "/api/v2/catalog/items"

type catalogResponse struct {
	Items      []catalogItem `json:"items"`
	Pagination struct {
		CurrentPage int `json:"current_page"`
		TotalPages  int `json:"total_pages"`
	} `json:"pagination"`
}

type catalogItem struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Price struct {
		Amount       decimal.Decimal `json:"amount"`
		CurrencyCode string          `json:"currency_code"`
	} `json:"price"`
	SizeTitle  string `json:"size_title"`
	BrandTitle string `json:"brand_title"`
	Status     string `json:"status"`
	URL        string `json:"url"`
	Photo      *struct {
		URL string `json:"url"`
	} `json:"photo"`
	User *struct {
		FeedbackReputation *float64 `json:"feedback_reputation"` // 0 to 1
		FeedbackCount      *int     `json:"feedback_count"`
	} `json:"user"`
}

var _ pipeline.Fetcher = (*CatalogClient)(nil)

// CatalogClient searches the marketplace JSON catalog API, newest first.
type CatalogClient struct {
	getter *getter
	opts   Options
	warmed map[string]bool
	mu     sync.Mutex
}

func NewCatalogClient(opts Options) (*CatalogClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	httpClient := &http.Client{
		Timeout: opts.Timeout,
		Jar:     jar,
	}

	return &CatalogClient{
		getter: newGetter("catalog", httpClient, opts),
		opts:   opts,
		warmed: make(map[string]bool),
	}, nil
}

// Fetch runs one search per keyword and merges the results, dropping
// listings already returned by an earlier keyword.
func (c *CatalogClient) Fetch(ctx context.Context, q pipeline.Query) ([]listing.Item, error) {
	base := c.baseURL(q.Locale)

	if err := c.warmUp(ctx, base); err != nil {
		return nil, err
	}

	var items []listing.Item
	seen := make(map[string]bool)

	for _, keyword := range q.Keywords {
		found, err := c.search(ctx, base, keyword, q.PriceMax)
		if err != nil {
			return nil, fmt.Errorf("search %q (%s): %w", keyword, q.Locale, err)
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

// warmUp loads the landing page once per host so the session cookies the
// API expects are present in the jar.
func (c *CatalogClient) warmUp(ctx context.Context, base string) error {
	c.mu.Lock()
	done := c.warmed[base]
	c.mu.Unlock()
	if done {
		return nil
	}

	if _, err := c.getter.get(ctx, base+"/", nil); err != nil {
		return fmt.Errorf("failed to establish session: %w", err)
	}

	c.mu.Lock()
	c.warmed[base] = true
	c.mu.Unlock()

	slog.Debug("Marketplace session established", "host", base)
	return nil
}

func (c *CatalogClient) search(ctx context.Context, base, keyword string, priceMax *float64) ([]listing.Item, error) {
	maxPages := max(c.opts.MaxPages, 1)
	var items []listing.Item

	for page := 1; page <= maxPages; page++ {
		data, err := c.getter.get(ctx, c.searchURL(base, keyword, priceMax, page), map[string]string{
			"Accept": "application/json",
		})
		if err != nil {
			return nil, err
		}

		var resp catalogResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode catalog page %d: %w", page, err)
		}

		for _, raw := range resp.Items {
			items = append(items, c.normalizeItem(base, raw))
		}

		if len(resp.Items) == 0 || (resp.Pagination.TotalPages > 0 && page >= resp.Pagination.TotalPages) {
			break
		}
	}

	slog.Debug("Catalog search completed", "keyword", keyword, "host", base, "items", len(items))
	return items, nil
}

func (c *CatalogClient) searchURL(base, keyword string, priceMax *float64, page int) string {
	params := url.Values{}
	params.Set("search_text", keyword)
	params.Set("order", "newest_first")
	params.Set("page", strconv.Itoa(page))
	if c.opts.PerPage > 0 {
		params.Set("per_page", strconv.Itoa(c.opts.PerPage))
	}
	if priceMax != nil {
		params.Set("price_to", strconv.FormatFloat(*priceMax, 'f', -1, 64))
	}
	return base + catalogPath + "?" + params.Encode()
}

func (c *CatalogClient) normalizeItem(base string, raw catalogItem) listing.Item {
	id := strconv.FormatInt(raw.ID, 10)

	item := listing.Item{
		ID:    id,
		Title: strings.TrimSpace(raw.Title),
		Price: listing.Price{
			Amount:   raw.Price.Amount,
			Currency: raw.Price.CurrencyCode,
		},
		Size:      raw.SizeTitle,
		Brand:     raw.BrandTitle,
		Condition: raw.Status,
		URL:       raw.URL,
	}

	if item.URL == "" {
		item.URL = base + "/items/" + id
	}
	if raw.Photo != nil {
		item.Thumbnail = raw.Photo.URL
	}
	if raw.User != nil {
		if raw.User.FeedbackReputation != nil {
			rating := *raw.User.FeedbackReputation * 5
			item.SellerRating = &rating
		}
		item.SellerReviews = raw.User.FeedbackCount
	}

	return item
}

func (c *CatalogClient) baseURL(locale string) string {
	if c.opts.BaseURL != "" {
		return strings.TrimRight(c.opts.BaseURL, "/")
	}
	return baseURLForLocale(locale)
}
