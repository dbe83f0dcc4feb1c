package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	pkgconfig "github.com/agenticmail/agenticmail/pkg/config"
)

// RelayConfig holds the shared-mailbox account the relay runs on.
// Immutable once applied; replacing it rebuilds the SMTP transport.
type RelayConfig struct {
	Provider     string `yaml:"provider"` // gmail | outlook | custom
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	IMAPHost     string `yaml:"imap_host"`
	IMAPPort     int    `yaml:"imap_port"`
	DefaultAgent string `yaml:"default_agent"`
	PollSeconds  int    `yaml:"poll_seconds"`
}

// FollowUpConfig selects the durable store for follow-up entries.
type FollowUpConfig struct {
	Store          string `yaml:"store"` // file | postgres | none
	Path           string `yaml:"path"`
	PendingBaseURL string `yaml:"pending_base_url"`
}

// StreamConfig enables the push/poll event client when a URL is set.
type StreamConfig struct {
	URL         string `yaml:"url"`
	PollURL     string `yaml:"poll_url"`
	PollSeconds int    `yaml:"poll_seconds"`
}

type Config struct {
	Relay    RelayConfig            `yaml:"relay"`
	FollowUp FollowUpConfig         `yaml:"followup"`
	Stream   StreamConfig           `yaml:"stream"`
	MQ       pkgconfig.MQConfig     `yaml:"mq"`
	Redis    pkgconfig.RedisConfig  `yaml:"redis"`
	DB       pkgconfig.DBConfig     `yaml:"db"`
	JWT      pkgconfig.JWTConfig    `yaml:"jwt"`
	Server   pkgconfig.ServerConfig `yaml:"server"`
}

// Load reads the layered YAML config and applies env overrides.
func Load() *Config {
	env := pkgconfig.GetConfigEnv()
	configDir := pkgconfig.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := pkgconfig.LoadConfig(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		log.Fatalf("failed to marshal config: %v", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	// 环境变量覆盖（优先级最高）
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	OverrideRelayFromEnv(&cfg.Relay)

	ApplyProviderPreset(&cfg.Relay)

	return &cfg
}

// OverrideRelayFromEnv 从环境变量覆盖 relay 配置
func OverrideRelayFromEnv(cfg *RelayConfig) {
	if v := os.Getenv("RELAY_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("RELAY_EMAIL"); v != "" {
		cfg.Email = v
	}
	if v := os.Getenv("RELAY_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("RELAY_DEFAULT_AGENT"); v != "" {
		cfg.DefaultAgent = v
	}
	if v := os.Getenv("RELAY_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollSeconds = n
		}
	}
}

// ApplyProviderPreset fills host/port defaults for well-known
// providers. Explicit values always win; custom requires them.
func ApplyProviderPreset(cfg *RelayConfig) {
	switch strings.ToLower(cfg.Provider) {
	case "gmail":
		if cfg.SMTPHost == "" {
			cfg.SMTPHost = "smtp.gmail.com"
		}
		if cfg.SMTPPort == 0 {
			cfg.SMTPPort = 465
		}
		if cfg.IMAPHost == "" {
			cfg.IMAPHost = "imap.gmail.com"
		}
		if cfg.IMAPPort == 0 {
			cfg.IMAPPort = 993
		}
	case "outlook":
		if cfg.SMTPHost == "" {
			cfg.SMTPHost = "smtp-mail.outlook.com"
		}
		if cfg.SMTPPort == 0 {
			cfg.SMTPPort = 587
		}
		if cfg.IMAPHost == "" {
			cfg.IMAPHost = "outlook.office365.com"
		}
		if cfg.IMAPPort == 0 {
			cfg.IMAPPort = 993
		}
	}
	if cfg.PollSeconds == 0 {
		cfg.PollSeconds = 60
	}
}

// Validate checks the relay account settings before any connection is
// attempted.
func (c *RelayConfig) Validate() error {
	if !strings.Contains(c.Email, "@") {
		return fmt.Errorf("relay email %q is not a valid address", c.Email)
	}
	if c.Password == "" {
		return fmt.Errorf("relay password is required")
	}
	if c.SMTPHost == "" || c.SMTPPort == 0 {
		return fmt.Errorf("smtp host/port are required for provider %q", c.Provider)
	}
	if c.IMAPHost == "" || c.IMAPPort == 0 {
		return fmt.Errorf("imap host/port are required for provider %q", c.Provider)
	}
	return nil
}
