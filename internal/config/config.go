package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// MinPollInterval is the floor for the polling interval. Anything lower
// would hammer the Freescout instance for no benefit.
const MinPollInterval = 10 * time.Second

// Config holds all configuration for the service
type Config struct {
	Freescout FreescoutConfig `mapstructure:"freescout"`
	Poll      PollConfig      `mapstructure:"poll"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sensors   SensorsConfig   `mapstructure:"sensors"`
}

// FreescoutConfig identifies the Freescout instance to poll.
type FreescoutConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	// AgentID enables the my_tickets sensor when non-zero.
	AgentID int `mapstructure:"agent_id"`
	// MailboxIDs restricts polling to the given mailboxes. Empty means all.
	MailboxIDs []int `mapstructure:"mailbox_ids"`
}

type PollConfig struct {
	IntervalSeconds   int     `mapstructure:"interval"`
	TimeoutSeconds    int     `mapstructure:"timeout"`
	RecentPageSize    int     `mapstructure:"recent_page_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst"`
}

type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SensorsConfig struct {
	Custom []CustomSensor `mapstructure:"custom"`
}

// CustomSensor defines a user-configured predicate sensor counted over the
// conversations fetched each cycle.
type CustomSensor struct {
	Name string `mapstructure:"name"`
	// Status filters on conversation status when non-empty.
	Status string `mapstructure:"status"`
	// Unassigned matches only conversations without an assignee.
	Unassigned bool `mapstructure:"unassigned"`
	// AssigneeID matches only conversations assigned to the given agent.
	AssigneeID int `mapstructure:"assignee_id"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into a map and marshal back so scalar types normalize
	// before environment expansion.
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	// Expand environment variables
	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewBufferString(expandedData)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Freescout.BaseURL = strings.TrimRight(config.Freescout.BaseURL, "/")

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll.interval", 60)
	v.SetDefault("poll.timeout", 10)
	v.SetDefault("poll.recent_page_size", 50)
	v.SetDefault("poll.requests_per_second", 5.0)
	v.SetDefault("poll.request_burst", 10)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9270)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate reports configuration errors that must be fixed before the
// service can run. These are fatal at setup.
func (c *Config) Validate() error {
	if c.Freescout.BaseURL == "" {
		return fmt.Errorf("freescout.base_url is required")
	}
	if c.Freescout.APIKey == "" {
		return fmt.Errorf("freescout.api_key is required")
	}
	if c.PollInterval() < MinPollInterval {
		return fmt.Errorf("poll.interval must be at least %d seconds, got %d",
			int(MinPollInterval.Seconds()), c.Poll.IntervalSeconds)
	}
	if c.Poll.TimeoutSeconds <= 0 {
		return fmt.Errorf("poll.timeout must be positive, got %d", c.Poll.TimeoutSeconds)
	}
	if c.Poll.RecentPageSize <= 0 {
		return fmt.Errorf("poll.recent_page_size must be positive, got %d", c.Poll.RecentPageSize)
	}

	seen := make(map[string]bool, len(c.Sensors.Custom))
	for _, s := range c.Sensors.Custom {
		if s.Name == "" {
			return fmt.Errorf("sensors.custom entries require a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate custom sensor name: %q", s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

// PollInterval returns the configured polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// PollTimeout returns the per-cycle timeout as a duration.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Poll.TimeoutSeconds) * time.Second
}

// HistoryEnabled reports whether the Postgres reading history is configured.
func (c *Config) HistoryEnabled() bool {
	return c.Database.Host != ""
}
