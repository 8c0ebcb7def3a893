package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models swarmline.yml.
type Config struct {
	Streams []StreamConfig `yaml:"streams"`

	Election struct {
		LookbackRounds int `yaml:"lookback_rounds"`
		MaxRank        int `yaml:"max_rank"`
	} `yaml:"election"`

	Claims struct {
		LeaseRounds int64 `yaml:"lease_rounds"`
	} `yaml:"claims"`

	Audit struct {
		StaleAfter Duration `yaml:"stale_after"`
	} `yaml:"audit"`

	Roster struct {
		URL      string   `yaml:"url"`
		CacheTTL Duration `yaml:"cache_ttl"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"roster"`

	Ledger struct {
		URL     string   `yaml:"url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"ledger"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// StreamConfig describes one work stream this deployment accepts.
type StreamConfig struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Streams) == 0 {
		return fmt.Errorf("config.streams is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Streams {
		if s.ID == "" {
			return fmt.Errorf("config.streams[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("config.streams has duplicate id %s", s.ID)
		}
		seen[s.ID] = true
	}
	if c.Election.LookbackRounds < 0 {
		return fmt.Errorf("config.election.lookback_rounds must not be negative")
	}
	if c.Election.MaxRank < 0 {
		return fmt.Errorf("config.election.max_rank must not be negative")
	}
	if c.Claims.LeaseRounds < 0 {
		return fmt.Errorf("config.claims.lease_rounds must not be negative")
	}
	if c.Audit.StaleAfter < 0 {
		return fmt.Errorf("config.audit.stale_after must not be negative")
	}
	return nil
}

// AcceptsStream reports whether a work-stream id belongs to this
// deployment.
func (c *Config) AcceptsStream(id string) bool {
	for _, s := range c.Streams {
		if s.ID == id {
			return true
		}
	}
	return false
}

// StreamIDs returns the accepted work-stream identifiers in config
// order.
func (c *Config) StreamIDs() []string {
	ids := make([]string, 0, len(c.Streams))
	for _, s := range c.Streams {
		ids = append(ids, s.ID)
	}
	return ids
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "swarmline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a single stream.
func Default(streamID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, streamID))).Decode(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(streamID string) string {
	return fmt.Sprintf(defaultTemplate, streamID)
}

func applyDefaults(cfg *Config) {
	if cfg.Election.LookbackRounds == 0 {
		cfg.Election.LookbackRounds = 4
	}
	if cfg.Election.MaxRank == 0 {
		cfg.Election.MaxRank = 5
	}
	if cfg.Claims.LeaseRounds == 0 {
		cfg.Claims.LeaseRounds = 4
	}
	if cfg.Audit.StaleAfter == 0 {
		cfg.Audit.StaleAfter = Duration(10 * time.Minute)
	}
	if cfg.Roster.CacheTTL == 0 {
		cfg.Roster.CacheTTL = Duration(30 * time.Second)
	}
	if cfg.Roster.Timeout == 0 {
		cfg.Roster.Timeout = Duration(5 * time.Second)
	}
	if cfg.Ledger.Timeout == 0 {
		cfg.Ledger.Timeout = Duration(10 * time.Second)
	}
}

const defaultTemplate = `streams:
  - id: %s
    description: "Default work stream"

election:
  lookback_rounds: 4
  max_rank: 5

claims:
  lease_rounds: 4

audit:
  stale_after: 10m

roster:
  cache_ttl: 30s
  timeout: 5s

ledger:
  timeout: 10s
`
