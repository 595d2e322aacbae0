package cfg

import "time"

type Cfg struct {
	// Rules and state
	RulesDir     string
	StateBackend string
	StateFile    string
	StateDB      string

	// Decision pipeline defaults
	DefaultCooldown    time.Duration
	MaxSeenIDsPerRule  int
	BatchNotifications bool
	MaxBatchSize       int
	DryRun             bool

	// Marketplace source
	Source            string
	FeedURLTemplate   string
	MaxPages          int
	PerPage           int
	RequestsPerSecond float64
	Timeout           time.Duration

	// Notification channels
	SlackWebhookURL   string
	DiscordWebhookURL string

	// Daemon mode
	Daemon       bool
	PollInterval time.Duration
	Schedule     string
	Port         string
	APIAccessKey string

	// Application metadata
	UserAgent   string
	Timezone    string
	Debug       bool
	SummaryJSON bool
	Version     string
}
