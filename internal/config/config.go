package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds settings for the text-classification engine.
type EngineConfig struct {
	Endpoint   string `mapstructure:"endpoint" json:"endpoint"`
	Model      string `mapstructure:"model" json:"model"`
	TimeoutSec int    `mapstructure:"timeout_sec" json:"timeout_sec"`
}

// Timeout returns the classification call timeout as a duration.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

// StoreConfig holds paths for the pipeline's persisted artifacts.
type StoreConfig struct {
	RecordsPath string `mapstructure:"records_path" json:"records_path"`
	JournalPath string `mapstructure:"journal_path" json:"journal_path"`
}

// GmailConfig holds the OAuth file locations for the Gmail provider.
type GmailConfig struct {
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file"`
	TokenFile       string `mapstructure:"token_file" json:"token_file"`
}

// OutlookConfig holds settings for the Microsoft Graph provider.
type OutlookConfig struct {
	UserID      string `mapstructure:"user_id" json:"user_id"`
	AccessToken string `mapstructure:"access_token" json:"access_token"`
}

// APIConfig holds the control-plane HTTP settings. An empty JWKSURL
// disables request authentication.
type APIConfig struct {
	Addr    string `mapstructure:"addr" json:"addr"`
	JWKSURL string `mapstructure:"jwks_url" json:"jwks_url"`
}

// NATSConfig holds the event publisher settings. An empty URL disables
// event publishing.
type NATSConfig struct {
	URL string `mapstructure:"url" json:"url"`
}

// Config is the triage configuration document. It is loaded once per
// run and passed by value into the components that need it; nothing
// reads it through global state.
type Config struct {
	// Labels is the ordered candidate set eligible as classification
	// output. "Other" is implicit and never listed.
	Labels []string `mapstructure:"labels" json:"labels"`

	// EmailMap maps sender addresses (lower-cased) to label names.
	EmailMap map[string]string `mapstructure:"email_map" json:"email_map"`

	Friends      []string `mapstructure:"friends" json:"friends"`
	HighPriority []string `mapstructure:"high_priority" json:"high_priority"`

	Provider  string        `mapstructure:"provider" json:"provider"`
	BatchSize int64         `mapstructure:"batch_size" json:"batch_size"`
	Engine    EngineConfig  `mapstructure:"engine" json:"engine"`
	Store     StoreConfig   `mapstructure:"store" json:"store"`
	Gmail     GmailConfig   `mapstructure:"gmail" json:"gmail"`
	Outlook   OutlookConfig `mapstructure:"outlook" json:"outlook"`
	API       APIConfig     `mapstructure:"api" json:"api"`
	NATS      NATSConfig    `mapstructure:"nats" json:"nats"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("provider", "gmail")
	v.SetDefault("batch_size", 10)
	v.SetDefault("engine.endpoint", "http://localhost:11434")
	v.SetDefault("engine.model", "mistral")
	v.SetDefault("engine.timeout_sec", 60)
	v.SetDefault("store.records_path", "emails.csv")
	v.SetDefault("store.journal_path", "data/journal.db")
	v.SetDefault("gmail.credentials_file", "credentials.json")
	v.SetDefault("gmail.token_file", "token.json")
	v.SetDefault("api.addr", ":8080")
}

// Load reads the configuration document at path. A missing file yields
// the defaults. The returned config is normalized and validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("MAILTRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the pipeline cannot run without.
func (c *Config) Validate() error {
	switch c.Provider {
	case "gmail", "outlook":
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Engine.TimeoutSec <= 0 {
		return fmt.Errorf("engine.timeout_sec must be positive, got %d", c.Engine.TimeoutSec)
	}
	return nil
}

// Normalize deduplicates the list fields case-insensitively (keeping
// the last spelling of each entry) and lower-cases EmailMap keys.
func (c *Config) Normalize() {
	c.Labels = dedupeFold(c.Labels)
	c.Friends = dedupeFold(c.Friends)
	c.HighPriority = dedupeFold(c.HighPriority)

	if len(c.EmailMap) > 0 {
		lowered := make(map[string]string, len(c.EmailMap))
		for k, v := range c.EmailMap {
			lowered[strings.ToLower(k)] = v
		}
		c.EmailMap = lowered
	}
}

// dedupeFold removes case-insensitive duplicates from a list. The last
// spelling wins but the position of the first occurrence is kept, so
// the configured order stays stable.
func dedupeFold(in []string) []string {
	if len(in) == 0 {
		return in
	}
	order := make([]string, 0, len(in))
	last := make(map[string]string, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if _, seen := last[key]; !seen {
			order = append(order, key)
		}
		last[key] = s
	}
	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, last[key])
	}
	return out
}

// Save writes the normalized document back to path as indented JSON.
func (c *Config) Save(path string) error {
	c.Normalize()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
