package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/lysyi3m/listing-comb/app/listing"
)

const (
	// Discord limits
	maxDiscordEmbeds    = 10
	maxEmbedTitleLength = 256
	discordListingColor = 0x00D166
	discordSummaryColor = 0x5865F2
)

type DiscordPayload struct {
	Content string         `json:"content"`
	Embeds  []DiscordEmbed `json:"embeds"`
}

type DiscordEmbed struct {
	Title       string              `json:"title"`
	URL         string              `json:"url,omitempty"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Footer      *DiscordEmbedFooter `json:"footer,omitempty"`
	Thumbnail   *DiscordEmbedImage  `json:"thumbnail,omitempty"`
}

type DiscordEmbedFooter struct {
	Text string `json:"text"`
}

type DiscordEmbedImage struct {
	URL string `json:"url"`
}

var _ Channel = (*Discord)(nil)

// Discord posts listings as embeds to a single webhook.
type Discord struct {
	webhookURL string
	poster     *webhookPoster
}

func NewDiscord(webhookURL string, opts WebhookOptions) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		poster:     newWebhookPoster("discord", opts),
	}
}

func (d *Discord) Name() string {
	return "discord"
}

func (d *Discord) Enabled(rc RuleContext) bool {
	return d.webhookURL != ""
}

func (d *Discord) Notify(ctx context.Context, item listing.Item, rc RuleContext) error {
	return d.poster.post(ctx, d.webhookURL, buildDiscordPayload(item, rc))
}

func (d *Discord) NotifyBatch(ctx context.Context, items []listing.Item, rc RuleContext) error {
	if len(items) == 0 {
		return nil
	}
	return d.poster.post(ctx, d.webhookURL, buildDiscordBatchPayload(items, rc))
}

func buildDiscordEmbed(item listing.Item) DiscordEmbed {
	embed := DiscordEmbed{
		Title:       truncate(item.Title, maxEmbedTitleLength),
		URL:         item.URL,
		Description: strings.Join(itemDetails(item, "**"), "\n"),
		Color:       discordListingColor,
		Footer:      &DiscordEmbedFooter{Text: "ID: " + item.ID},
	}
	if item.Thumbnail != "" {
		embed.Thumbnail = &DiscordEmbedImage{URL: item.Thumbnail}
	}
	return embed
}

func buildDiscordPayload(item listing.Item, rc RuleContext) DiscordPayload {
	return DiscordPayload{
		Content: fmt.Sprintf("🔔 **New listing for %s (%s)**", rc.RuleName, rc.Locale),
		Embeds:  []DiscordEmbed{buildDiscordEmbed(item)},
	}
}

// buildDiscordBatchPayload renders at most ten listing embeds followed by a
// summary embed covering every item.
func buildDiscordBatchPayload(items []listing.Item, rc RuleContext) DiscordPayload {
	shown := items
	if len(shown) > maxDiscordEmbeds {
		shown = shown[:maxDiscordEmbeds]
	}

	embeds := make([]DiscordEmbed, 0, len(shown)+1)
	for _, item := range shown {
		embeds = append(embeds, buildDiscordEmbed(item))
	}

	summary := DiscordEmbed{
		Title:       "📊 Batch Summary",
		Description: fmt.Sprintf("**Total items:** %d\n**Average price:** %s", len(items), averagePrice(items)),
		Color:       discordSummaryColor,
	}
	if len(items) > maxDiscordEmbeds {
		summary.Footer = &DiscordEmbedFooter{Text: fmt.Sprintf("Showing first %d of %d listings", maxDiscordEmbeds, len(items))}
	}
	embeds = append(embeds, summary)

	return DiscordPayload{
		Content: fmt.Sprintf("🔔 **%d new listings for %s (%s)**", len(items), rc.RuleName, rc.Locale),
		Embeds:  embeds,
	}
}
