package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"sysmonctl/internal/model"
)

// AlertGlobal is the alert configuration file's "global" section.
type AlertGlobal struct {
	CheckIntervalSeconds int  `mapstructure:"check_interval"`
	CooldownSeconds      int  `mapstructure:"cooldown"`
	Enabled              bool `mapstructure:"enabled"`
}

// AlertRuleConfig is one entry of the "alerts" (or "process_alerts") list.
type AlertRuleConfig struct {
	Name          string   `mapstructure:"name"`
	Description   string   `mapstructure:"description"`
	Metric        string   `mapstructure:"metric"`
	Condition     string   `mapstructure:"condition"`
	Threshold     float64  `mapstructure:"threshold"`
	Duration      int64    `mapstructure:"duration"`
	Severity      string   `mapstructure:"severity"`
	Notifications []string `mapstructure:"notifications"`
	ProcessName   string   `mapstructure:"process_name"`
}

// NotificationChannelConfig is one entry of the "notifications" section,
// keyed by channel name. Type selects which sink implementation to build.
type NotificationChannelConfig struct {
	Type string `mapstructure:"type"` // "log" | "webhook" | "email"

	// webhook
	URL string `mapstructure:"url"`

	// email
	SMTPAddr string `mapstructure:"smtp_addr"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// AlertConfig is the full parsed alert configuration file (spec §6).
type AlertConfig struct {
	Global         AlertGlobal
	Alerts         []AlertRuleConfig
	ProcessAlerts  []AlertRuleConfig
	Notifications  map[string]NotificationChannelConfig
}

// LoadAlertConfig reads the alert rules file with the same Viper-backed,
// indentation-structured YAML loader the agent config uses.
func LoadAlertConfig(path string) (*AlertConfig, error) {
	v := viper.New()
	v.SetDefault("global.check_interval", 5)
	v.SetDefault("global.cooldown", 300)
	v.SetDefault("global.enabled", true)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, fs.ErrNotExist) {
			// No rules file is a legal, empty configuration.
			return &AlertConfig{
				Global:        AlertGlobal{CheckIntervalSeconds: 5, CooldownSeconds: 300, Enabled: true},
				Notifications: map[string]NotificationChannelConfig{},
			}, nil
		}
		return nil, fmt.Errorf("%w: reading alert config: %v", model.ErrConfigInvalid, err)
	}

	var raw struct {
		Global        AlertGlobal                          `mapstructure:"global"`
		Alerts        []AlertRuleConfig                    `mapstructure:"alerts"`
		ProcessAlerts []AlertRuleConfig                     `mapstructure:"process_alerts"`
		Notifications map[string]NotificationChannelConfig  `mapstructure:"notifications"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling alert config: %v", model.ErrConfigInvalid, err)
	}
	if raw.Notifications == nil {
		raw.Notifications = map[string]NotificationChannelConfig{}
	}
	cfg := &AlertConfig{
		Global:        raw.Global,
		Alerts:        raw.Alerts,
		ProcessAlerts: raw.ProcessAlerts,
		Notifications: raw.Notifications,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks each rule references known channels and a legal comparator/severity.
func (c *AlertConfig) Validate() error {
	all := append(append([]AlertRuleConfig{}, c.Alerts...), c.ProcessAlerts...)
	seen := map[string]bool{}
	for _, r := range all {
		if r.Name == "" {
			return fmt.Errorf("%w: alert rule missing name", model.ErrConfigInvalid)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate alert rule name %q", model.ErrConfigInvalid, r.Name)
		}
		seen[r.Name] = true
		switch strings.ToUpper(r.Condition) {
		case "ABOVE", "BELOW", "EQUALS":
		default:
			return fmt.Errorf("%w: rule %q has unknown condition %q", model.ErrConfigInvalid, r.Name, r.Condition)
		}
		switch strings.ToUpper(r.Severity) {
		case "INFO", "WARNING", "CRITICAL":
		default:
			return fmt.Errorf("%w: rule %q has unknown severity %q", model.ErrConfigInvalid, r.Name, r.Severity)
		}
		for _, ch := range r.Notifications {
			if _, ok := c.Notifications[ch]; !ok {
				return fmt.Errorf("%w: rule %q references unknown notification channel %q", model.ErrConfigInvalid, r.Name, ch)
			}
		}
	}
	return nil
}

// ToModelRules flattens Alerts + ProcessAlerts into model.AlertRule values.
func (c *AlertConfig) ToModelRules() []model.AlertRule {
	all := append(append([]AlertRuleConfig{}, c.Alerts...), c.ProcessAlerts...)
	out := make([]model.AlertRule, 0, len(all))
	for _, r := range all {
		out = append(out, model.AlertRule{
			Name:          r.Name,
			Metric:        r.Metric,
			Comparator:    model.Comparator(strings.ToUpper(r.Condition)),
			Threshold:     r.Threshold,
			HoldSeconds:   r.Duration,
			Severity:      model.Severity(strings.ToUpper(r.Severity)),
			Channels:      r.Notifications,
			ProcessFilter: r.ProcessName,
		})
	}
	return out
}
