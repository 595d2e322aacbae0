package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Rules and state
	RulesDir     string `long:"rules-dir" env:"RULES_DIR" default:"./rules" description:"Directory containing search rule files"`
	StateBackend string `long:"state-backend" env:"STATE_BACKEND" default:"json" choice:"json" choice:"sqlite" description:"State persistence backend"`
	StateFile    string `long:"state-file" env:"STATE_FILE" default:"data/state.json" description:"Path to the JSON state file"`
	StateDB      string `long:"state-db" env:"STATE_DB" default:"data/state.db" description:"Path to the SQLite state database"`

	// Decision pipeline defaults
	DefaultCooldownMinutes int  `long:"default-cooldown" env:"DEFAULT_COOLDOWN_MINUTES" default:"60" description:"Default cooldown between notifications per rule, in minutes"`
	MaxSeenIDsPerRule      int  `long:"max-seen-ids" env:"MAX_SEEN_IDS_PER_SEARCH" default:"1000" description:"Maximum remembered listing IDs per rule"`
	BatchNotifications     bool `long:"batch" env:"BATCH_NOTIFICATIONS" description:"Send one batched notification when several listings qualify"`
	MaxBatchSize           int  `long:"max-batch-size" env:"MAX_BATCH_SIZE" default:"10" description:"Maximum listings notified per rule execution"`
	DryRun                 bool `long:"dry-run" env:"DRY_RUN" description:"Fetch and evaluate listings but do not send notifications"`

	// Marketplace source
	Source          string  `long:"source" env:"SOURCE" default:"catalog" choice:"catalog" choice:"feed" description:"Listing source"`
	FeedURLTemplate string  `long:"feed-url" env:"FEED_URL_TEMPLATE" description:"Search feed URL template with {query} and {locale} placeholders (feed source)"`
	MaxPages        int     `long:"max-pages" env:"MAX_PAGES" default:"1" description:"Maximum catalog pages fetched per rule and locale"`
	PerPage         int     `long:"per-page" env:"PER_PAGE" default:"48" description:"Catalog page size"`
	RequestsPerSec  float64 `long:"requests-per-second" env:"REQUESTS_PER_SECOND" default:"1" description:"Marketplace request rate limit"`
	Timeout         int     `long:"timeout" env:"TIMEOUT" default:"30" description:"HTTP timeout in seconds"`

	// Notification channels
	SlackWebhookURL   string `long:"slack-webhook" env:"SLACK_WEBHOOK_URL" description:"Slack incoming webhook URL"`
	DiscordWebhookURL string `long:"discord-webhook" env:"DISCORD_WEBHOOK_URL" description:"Discord webhook URL"`

	// Daemon mode
	Daemon       bool   `long:"daemon" env:"DAEMON" description:"Keep running and poll on an interval or schedule"`
	PollInterval int    `long:"poll-interval" env:"POLL_INTERVAL_SECONDS" default:"300" description:"Poll interval in seconds (daemon mode)"`
	Schedule     string `long:"schedule" env:"SCHEDULE" description:"Cron expression overriding the poll interval (daemon mode)"`
	Port         string `long:"port" env:"PORT" description:"HTTP server port (daemon mode, disabled when empty)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	UserAgent   string `long:"user-agent" env:"USER_AGENT" default:"Listing Comb/1.0" description:"User agent string for HTTP requests"`
	Timezone    string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, Europe/Paris)"`
	Debug       bool   `long:"debug" short:"v" env:"DEBUG" description:"Enable debug logging"`
	SummaryJSON bool   `long:"summary-json" env:"SUMMARY_JSON" description:"Print the run summary as JSON to stdout"`
}

func Load() (*Cfg, error) {
	return LoadArgs(nil)
}

// LoadArgs parses the given arguments instead of os.Args when args is non-nil.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	var err error
	if args == nil {
		_, err = parser.Parse()
	} else {
		_, err = parser.ParseArgs(args)
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		RulesDir:           raw.RulesDir,
		StateBackend:       raw.StateBackend,
		StateFile:          raw.StateFile,
		StateDB:            raw.StateDB,
		DefaultCooldown:    time.Duration(raw.DefaultCooldownMinutes) * time.Minute,
		MaxSeenIDsPerRule:  raw.MaxSeenIDsPerRule,
		BatchNotifications: raw.BatchNotifications,
		MaxBatchSize:       raw.MaxBatchSize,
		DryRun:             raw.DryRun,
		Source:             raw.Source,
		FeedURLTemplate:    raw.FeedURLTemplate,
		MaxPages:           raw.MaxPages,
		PerPage:            raw.PerPage,
		RequestsPerSecond:  raw.RequestsPerSec,
		Timeout:            time.Duration(raw.Timeout) * time.Second,
		SlackWebhookURL:    raw.SlackWebhookURL,
		DiscordWebhookURL:  raw.DiscordWebhookURL,
		Daemon:             raw.Daemon,
		PollInterval:       time.Duration(raw.PollInterval) * time.Second,
		Schedule:           raw.Schedule,
		Port:               raw.Port,
		APIAccessKey:       raw.APIAccessKey,
		UserAgent:          raw.UserAgent,
		Timezone:           raw.Timezone,
		Debug:              raw.Debug,
		SummaryJSON:        raw.SummaryJSON,
		Version:            GetVersion(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	return cfg, nil
}

func (c *Cfg) validate() error {
	nonNegativeFields := map[string]int{
		"default cooldown": int(c.DefaultCooldown),
		"max seen ids":     c.MaxSeenIDsPerRule,
		"max batch size":   c.MaxBatchSize,
		"max pages":        c.MaxPages,
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	if c.Source == "feed" && c.FeedURLTemplate == "" {
		return fmt.Errorf("feed source requires --feed-url")
	}
	if c.Daemon && c.Schedule == "" && c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive in daemon mode")
	}

	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
