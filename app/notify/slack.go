package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/lysyi3m/listing-comb/app/listing"
)

type SlackPayload struct {
	Text   string       `json:"text"`
	Blocks []SlackBlock `json:"blocks"`
}

type SlackBlock struct {
	Type      string      `json:"type"`
	Text      *SlackText  `json:"text,omitempty"`
	Elements  []SlackText `json:"elements,omitempty"`
	Accessory *SlackImage `json:"accessory,omitempty"`
}

type SlackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type SlackImage struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
	AltText  string `json:"alt_text"`
}

var _ Channel = (*Slack)(nil)

// Slack posts Block Kit messages. A rule-level webhook takes precedence over
// the global one.
type Slack struct {
	webhookURL string
	poster     *webhookPoster
}

func NewSlack(webhookURL string, opts WebhookOptions) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		poster:     newWebhookPoster("slack", opts),
	}
}

func (s *Slack) Name() string {
	return "slack"
}

func (s *Slack) Enabled(rc RuleContext) bool {
	return s.targetURL(rc) != ""
}

func (s *Slack) Notify(ctx context.Context, item listing.Item, rc RuleContext) error {
	url := s.targetURL(rc)
	if url == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}
	return s.poster.post(ctx, url, buildSlackPayload(item, rc))
}

func (s *Slack) NotifyBatch(ctx context.Context, items []listing.Item, rc RuleContext) error {
	url := s.targetURL(rc)
	if url == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}
	if len(items) == 0 {
		return nil
	}
	return s.poster.post(ctx, url, buildSlackBatchPayload(items, rc))
}

func (s *Slack) targetURL(rc RuleContext) string {
	if rc.Webhook != "" {
		return rc.Webhook
	}
	return s.webhookURL
}

func buildSlackListingBlock(item listing.Item) SlackBlock {
	block := SlackBlock{
		Type: "section",
		Text: &SlackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("*<%s|%s>*\n%s", item.URL, item.Title, strings.Join(itemDetails(item, "*"), " | ")),
		},
	}
	if item.Thumbnail != "" {
		block.Accessory = &SlackImage{Type: "image", ImageURL: item.Thumbnail, AltText: item.Title}
	}
	return block
}

func slackHeader(text string) SlackBlock {
	return SlackBlock{
		Type: "header",
		Text: &SlackText{Type: "plain_text", Text: text, Emoji: true},
	}
}

func slackContext(text string) SlackBlock {
	return SlackBlock{
		Type:     "context",
		Elements: []SlackText{{Type: "mrkdwn", Text: text}},
	}
}

func buildSlackPayload(item listing.Item, rc RuleContext) SlackPayload {
	return SlackPayload{
		Text: fmt.Sprintf("New listing for %s (%s): %s - %s", rc.RuleName, rc.Locale, item.Title, itemPrice(item)),
		Blocks: []SlackBlock{
			slackHeader(fmt.Sprintf("🔔 New: %s (%s)", rc.RuleName, rc.Locale)),
			buildSlackListingBlock(item),
			slackContext(fmt.Sprintf("<%s|View on %s> • Listing ID: %s", item.URL, marketplaceName, item.ID)),
			{Type: "divider"},
		},
	}
}

func buildSlackBatchPayload(items []listing.Item, rc RuleContext) SlackPayload {
	blocks := []SlackBlock{
		slackHeader(fmt.Sprintf("🔔 %d New Listings: %s (%s)", len(items), rc.RuleName, rc.Locale)),
	}
	for _, item := range items {
		blocks = append(blocks, buildSlackListingBlock(item), SlackBlock{Type: "divider"})
	}
	blocks = append(blocks, slackContext(fmt.Sprintf("📊 Total: %d items | Avg price: %s", len(items), averagePrice(items))))

	return SlackPayload{
		Text:   fmt.Sprintf("%d new listings for %s (%s)", len(items), rc.RuleName, rc.Locale),
		Blocks: blocks,
	}
}
