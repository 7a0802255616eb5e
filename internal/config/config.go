package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"salesline/internal/alerts"
)

// Config models salesline.yml.
type Config struct {
	Defaults struct {
		Currency         string `yaml:"currency"`
		PhoneCountryCode string `yaml:"phone_country_code"`
	} `yaml:"defaults"`
	Stages       []StageConfig     `yaml:"stages"`
	Alerts       AlertsConfig      `yaml:"alerts"`
	Webhooks     []WebhookConfig   `yaml:"webhooks"`
	Integrations IntegrationConfig `yaml:"integrations"`
	Log          LogConfig         `yaml:"log"`
}

type StageConfig struct {
	Name     string `yaml:"name"`
	Slug     string `yaml:"slug"`
	Position int    `yaml:"position"`
	Color    string `yaml:"color"`
	IsWon    bool   `yaml:"is_won"`
	IsLost   bool   `yaml:"is_lost"`
}

// AlertsConfig holds the alert thresholds; see alerts.Thresholds.
type AlertsConfig struct {
	FollowUpMediumDays     int     `yaml:"follow_up_medium_days"`
	FollowUpHighDays       int     `yaml:"follow_up_high_days"`
	FollowUpUrgentDays     int     `yaml:"follow_up_urgent_days"`
	HighValueThreshold     float64 `yaml:"high_value_threshold"`
	HighValueUrgentValue   float64 `yaml:"high_value_urgent_value"`
	DormantDays            int     `yaml:"dormant_days"`
	DormantUrgentDays      int     `yaml:"dormant_urgent_days"`
	NoInteractionGraceDays int     `yaml:"no_interaction_grace_days"`
	MeetingWindowHours     int     `yaml:"meeting_window_hours"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

type EndpointConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

type IntegrationConfig struct {
	Tasks    EndpointConfig `yaml:"tasks"`
	Calendar EndpointConfig `yaml:"calendar"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Thresholds converts the YAML block into alert engine thresholds.
func (a AlertsConfig) Thresholds() alerts.Thresholds {
	return alerts.Thresholds{
		FollowUpMediumDays:     a.FollowUpMediumDays,
		FollowUpHighDays:       a.FollowUpHighDays,
		FollowUpUrgentDays:     a.FollowUpUrgentDays,
		HighValueThreshold:     decimal.NewFromFloat(a.HighValueThreshold),
		HighValueUrgentValue:   decimal.NewFromFloat(a.HighValueUrgentValue),
		DormantDays:            a.DormantDays,
		DormantUrgentDays:      a.DormantUrgentDays,
		NoInteractionGraceDays: a.NoInteractionGraceDays,
		MeetingWindowHours:     a.MeetingWindowHours,
	}
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

// LoadOrDefault returns the default config when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("config.stages is required")
	}
	slugs := map[string]bool{}
	positions := map[int]bool{}
	won, lost, open := 0, 0, 0
	for _, s := range c.Stages {
		if strings.TrimSpace(s.Slug) == "" || strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stage at position %d needs name and slug", s.Position)
		}
		if slugs[s.Slug] {
			return fmt.Errorf("duplicate stage slug %s", s.Slug)
		}
		slugs[s.Slug] = true
		if positions[s.Position] {
			return fmt.Errorf("duplicate stage position %d", s.Position)
		}
		positions[s.Position] = true
		if s.IsWon && s.IsLost {
			return fmt.Errorf("stage %s cannot be both won and lost", s.Slug)
		}
		switch {
		case s.IsWon:
			won++
		case s.IsLost:
			lost++
		default:
			open++
		}
	}
	if won > 1 {
		return fmt.Errorf("at most one stage may be won, found %d", won)
	}
	if lost > 1 {
		return fmt.Errorf("at most one stage may be lost, found %d", lost)
	}
	if open == 0 {
		return fmt.Errorf("config.stages needs at least one open stage")
	}
	a := c.Alerts
	if a.FollowUpMediumDays > a.FollowUpHighDays || a.FollowUpHighDays > a.FollowUpUrgentDays {
		return fmt.Errorf("alerts.follow_up_*_days must be ascending (medium <= high <= urgent)")
	}
	if a.HighValueThreshold < 0 || a.DormantDays < 0 || a.NoInteractionGraceDays < 0 || a.MeetingWindowHours < 0 {
		return fmt.Errorf("alerts thresholds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Output {
	case "", "stdout", "file", "both":
	default:
		return fmt.Errorf("log.output must be stdout, file or both")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "salesline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `defaults:
  currency: COP
  phone_country_code: "+57"

stages:
  - {name: "Nuevo Prospecto", slug: nuevo, position: 1, color: "#3B82F6"}
  - {name: "Contactado", slug: contactado, position: 2, color: "#8B5CF6"}
  - {name: "Reunión Agendada", slug: reunion, position: 3, color: "#F59E0B"}
  - {name: "Propuesta Enviada", slug: propuesta, position: 4, color: "#EC4899"}
  - {name: "Negociación", slug: negociacion, position: 5, color: "#EF4444"}
  - {name: "Ganado", slug: ganado, position: 6, color: "#10B981", is_won: true}
  - {name: "Perdido", slug: perdido, position: 7, color: "#6B7280", is_lost: true}

alerts:
  follow_up_medium_days: 1
  follow_up_high_days: 2
  follow_up_urgent_days: 3
  high_value_threshold: 1000000
  high_value_urgent_value: 5000000
  dormant_days: 3
  dormant_urgent_days: 7
  no_interaction_grace_days: 3
  meeting_window_hours: 24

log:
  level: info
  format: text
  output: stdout
  file: logs/salesline.log
  max_size_mb: 100
  max_backups: 7
  max_age_days: 7
  compress: true
`
