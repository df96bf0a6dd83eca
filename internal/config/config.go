// Package config loads sysmonctl's agent configuration from a YAML file,
// environment variables, and smart defaults, using Viper — the same pattern
// the pack's opentalon agent uses for its own config surface.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"sysmonctl/internal/model"
)

// Mode selects how the agent operates.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeDistributed Mode = "distributed"
	ModeHybrid      Mode = "hybrid"
)

// DiscoveryMethod selects how the Network Publisher resolves its aggregator.
type DiscoveryMethod string

const (
	DiscoveryNone   DiscoveryMethod = "none"
	DiscoveryMDNS   DiscoveryMethod = "mdns"
	DiscoveryConsul DiscoveryMethod = "consul"
	DiscoveryStatic DiscoveryMethod = "static"
)

// Config is the agent's runtime configuration (spec §6, "Agent configuration file").
type Config struct {
	Mode     Mode   `mapstructure:"mode"`
	Hostname string `mapstructure:"hostname"`

	AggregatorURL string `mapstructure:"aggregator_url"`
	AuthToken     string `mapstructure:"auth_token"`

	PushIntervalMS    int `mapstructure:"push_interval_ms"`
	MaxQueueSize      int `mapstructure:"max_queue_size"`
	RetryMaxAttempts  int `mapstructure:"retry_max_attempts"`
	RetryBaseDelayMS  int `mapstructure:"retry_base_delay_ms"`
	HTTPTimeoutMS     int `mapstructure:"http_timeout_ms"`

	DiscoveryMethod         DiscoveryMethod `mapstructure:"discovery_method"`
	ConsulAddr              string          `mapstructure:"consul_addr"`
	ConsulServiceTag        string          `mapstructure:"consul_service_tag"`
	DiscoveryTimeoutSeconds int             `mapstructure:"discovery_timeout_seconds"`

	TLSEnabled    bool   `mapstructure:"tls_enabled"`
	TLSVerifyPeer bool   `mapstructure:"tls_verify_peer"`
	TLSCACert     string `mapstructure:"tls_ca_cert"`

	HostTagsRaw string `mapstructure:"host_tags"`

	// ── sysmonctl-specific operational keys, following the spec's §4
	// component defaults ──────────────────────────────────────────────────
	SamplePeriodMS  int    `mapstructure:"sample_period_ms"`
	StorePath       string `mapstructure:"store_path"`
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMS int    `mapstructure:"flush_interval_ms"`
	RetentionDays   int    `mapstructure:"retention_days"`
	AlertRulesPath  string `mapstructure:"alert_rules_path"`
	StatsAddr       string `mapstructure:"stats_addr"`
}

// HostTags parses HostTagsRaw ("key=value,key=value") into a map.
func (c Config) HostTags() map[string]string {
	out := map[string]string{}
	if c.HostTagsRaw == "" {
		return out
	}
	for _, pair := range strings.Split(c.HostTagsRaw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// Load reads config from explicitPath or, when that is empty, from the first
// sysmonctl.yaml found in ., $HOME/.sysmonctl, or /etc/sysmonctl (no file
// found there is not an error), applies smart defaults, and lets SYSMON_-prefixed env vars override.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("mode", string(ModeLocal))
	v.SetDefault("hostname", "")
	v.SetDefault("aggregator_url", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("push_interval_ms", 5000)
	v.SetDefault("max_queue_size", 1000)
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_base_delay_ms", 1000)
	v.SetDefault("http_timeout_ms", 10000)
	v.SetDefault("discovery_method", string(DiscoveryNone))
	v.SetDefault("consul_addr", "127.0.0.1:8500")
	v.SetDefault("consul_service_tag", "")
	v.SetDefault("discovery_timeout_seconds", 5)
	v.SetDefault("tls_enabled", false)
	v.SetDefault("tls_verify_peer", true)
	v.SetDefault("tls_ca_cert", "")
	v.SetDefault("host_tags", "")

	v.SetDefault("sample_period_ms", 1000)
	v.SetDefault("store_path", "./sysmonctl.db")
	v.SetDefault("batch_size", 100)
	v.SetDefault("flush_interval_ms", 5000)
	v.SetDefault("retention_days", 14)
	v.SetDefault("alert_rules_path", "./alerts.yaml")
	v.SetDefault("stats_addr", "127.0.0.1:9115")

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("sysmonctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sysmonctl")
		v.AddConfigPath("/etc/sysmonctl")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: reading config file: %v", model.ErrConfigInvalid, err)
		}
	}

	v.SetEnvPrefix("SYSMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling config: %v", model.ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the semantic constraints from spec §6/§4.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeDistributed, ModeHybrid:
	default:
		return fmt.Errorf("%w: unknown mode %q", model.ErrConfigInvalid, c.Mode)
	}
	if c.Mode != ModeLocal && c.DiscoveryMethod == DiscoveryNone && c.AggregatorURL == "" {
		return fmt.Errorf("%w: aggregator_url is required when mode != local and discovery is none", model.ErrConfigInvalid)
	}
	if c.Mode != ModeLocal && c.AuthToken == "" {
		return fmt.Errorf("%w: auth_token is required when mode != local", model.ErrConfigInvalid)
	}
	if c.PushIntervalMS < 100 {
		return fmt.Errorf("%w: push_interval_ms must be >= 100", model.ErrConfigInvalid)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("%w: max_queue_size must be >= 1", model.ErrConfigInvalid)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("%w: retry_max_attempts must be >= 1", model.ErrConfigInvalid)
	}
	if c.RetryBaseDelayMS < 1 {
		return fmt.Errorf("%w: retry_base_delay_ms must be >= 1", model.ErrConfigInvalid)
	}
	if c.HTTPTimeoutMS < 1 {
		return fmt.Errorf("%w: http_timeout_ms must be >= 1", model.ErrConfigInvalid)
	}
	switch c.DiscoveryMethod {
	case DiscoveryNone, DiscoveryMDNS, DiscoveryConsul, DiscoveryStatic:
	default:
		return fmt.Errorf("%w: unknown discovery_method %q", model.ErrConfigInvalid, c.DiscoveryMethod)
	}
	if c.SamplePeriodMS < 100 {
		return fmt.Errorf("%w: sample_period_ms must be >= 100", model.ErrConfigInvalid)
	}
	return nil
}
