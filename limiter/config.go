package limiter

import (
	"fmt"
	"os"
	"regexp"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var validLimitBy = map[string]bool{
	LimitByIP:           true,
	LimitByConnectionID: true,
}

// Rule limits one kind of client command.
//
// Command is matched against the command subject: "subscribe",
// "unsubscribe", or "message:<action>" for channel actions.
type Rule struct {
	Command string   `yaml:"command"`
	IsRegex bool     `yaml:"is_regex"`
	Rate    float64  `yaml:"rate"`   // tokens in the bucket
	Period  float64  `yaml:"period"` // seconds to refill Rate tokens
	LimitBy []string `yaml:"limit_by"`

	compiledRegex *regexp.Regexp
}

// Config holds the rate limiter configuration.
type Config struct {
	StorageType string `yaml:"storage_type"`
	Rules       []Rule `yaml:"rules"`
}

// LoadConfig reads a YAML rules file and validates it.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading limits file: %w", err)
	}

	cfg := &Config{StorageType: StorageMemory}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing limits file %s: %w", path, err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("rules", len(cfg.Rules)).Str("storage", cfg.StorageType).Msg("rate limit rules loaded")
	return cfg, nil
}

// ValidateAndPrepare validates the config and compiles regex rules.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no rate limit rules defined in config")
	}

	seen := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i]

		if rule.Command == "" {
			return fmt.Errorf("rule %d has no command", i)
		}
		if seen[rule.Command] {
			return fmt.Errorf("duplicate command definition found: %s", rule.Command)
		}
		seen[rule.Command] = true

		if rule.Rate <= 0 {
			return fmt.Errorf("rule for command '%s' has invalid rate: %f, must be positive", rule.Command, rule.Rate)
		}
		if rule.Period <= 0 {
			return fmt.Errorf("rule for command '%s' has invalid period: %f, must be positive", rule.Command, rule.Period)
		}

		if rule.IsRegex {
			re, err := regexp.Compile(rule.Command)
			if err != nil {
				return fmt.Errorf("failed to compile regex for command '%s': %w", rule.Command, err)
			}
			rule.compiledRegex = re
		}

		if len(rule.LimitBy) == 0 {
			return fmt.Errorf("rule for command '%s' must have at least one limit_by type", rule.Command)
		}
		for _, lb := range rule.LimitBy {
			if !validLimitBy[lb] {
				return fmt.Errorf("rule for command '%s' has invalid limit_by type: '%s'", rule.Command, lb)
			}
		}
	}
	return nil
}

func (r *Rule) matches(subject string) bool {
	if r.IsRegex {
		return r.compiledRegex != nil && r.compiledRegex.MatchString(subject)
	}
	return r.Command == subject
}
