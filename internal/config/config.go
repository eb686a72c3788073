// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/clackbot/clackbot/internal/domain"
	"github.com/joho/godotenv"
)

// DefaultConfigFile is read when CLACKBOT_CONFIG is unset.
const DefaultConfigFile = "./.clackbot/config.toml"

// Config holds all application configuration.
type Config struct {
	DBPath  string `toml:"db_path"`
	WorkDir string `toml:"workdir"`

	Web         WebConfig         `toml:"web"`
	Slack       SlackConfig       `toml:"slack"`
	Session     SessionConfig     `toml:"session"`
	Personality PersonalityConfig `toml:"personality"`
	Agent       AgentConfig       `toml:"agent"`
	Log         LogConfig         `toml:"log"`

	// Projects maps a message tag such as [dev] to a local project.
	Projects map[string]ProjectConfig `toml:"projects"`

	// File is the TOML file the config was read from, if any.
	File string `toml:"-"`
}

// WebConfig controls the dashboard API.
type WebConfig struct {
	Port        string   `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// SlackConfig holds Slack credentials and outbound limits.
type SlackConfig struct {
	BotToken    string  `toml:"bot_token"`
	AppToken    string  `toml:"app_token"`
	OwnerUserID string  `toml:"owner_user_id"`
	UpdateRate  float64 `toml:"update_rate"`
	UpdateBurst int     `toml:"update_burst"`
}

// SessionConfig is the chat session auto-reset policy.
type SessionConfig struct {
	MaxMessages    int `toml:"max_messages"`
	TimeoutMinutes int `toml:"timeout_minutes"`
}

// PersonalityConfig controls how replies look while the agent works.
type PersonalityConfig struct {
	ThinkingMessage  string   `toml:"thinking_message"`
	ShowProgress     bool     `toml:"show_progress"`
	ProgressInterval Duration `toml:"progress_interval"`
	MaxMessageLength int      `toml:"max_message_length"`
}

// AgentConfig controls the agent CLI and delegated session lifetime.
type AgentConfig struct {
	ClaudeBin  string   `toml:"claude_bin"`
	MaxTurns   int      `toml:"max_turns"`
	SessionTTL Duration `toml:"session_ttl"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Dir    string `toml:"dir"`
}

// ProjectConfig is a local project a message can address with its tag.
type ProjectConfig struct {
	Path string `toml:"path"`
}

var projectNameRe = regexp.MustCompile(`^\w+$`)

// Duration is a time.Duration written as "90s" or "24h" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DBPath:  "./.clackbot/clackbot.db",
		WorkDir: "./.clackbot",
		Web: WebConfig{
			Port:        "3847",
			CORSOrigins: []string{"*"},
		},
		Slack: SlackConfig{
			UpdateRate:  1,
			UpdateBurst: 3,
		},
		Session: SessionConfig{
			MaxMessages:    50,
			TimeoutMinutes: 30,
		},
		Personality: PersonalityConfig{
			ThinkingMessage:  "Thinking...",
			ShowProgress:     true,
			ProgressInterval: Duration{2 * time.Second},
			MaxMessageLength: 3000,
		},
		Agent: AgentConfig{
			ClaudeBin:  "claude",
			MaxTurns:   10,
			SessionTTL: Duration{24 * time.Hour},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads .env, the optional TOML file named by CLACKBOT_CONFIG and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFile(Path())
}

// Path returns the TOML file Load reads.
func Path() string {
	return getEnv("CLACKBOT_CONFIG", DefaultConfigFile)
}

// LoadFile reads path (a missing file is not an error) and overlays the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else {
			cfg.File = path
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DBPath = getEnv("CLACKBOT_DB_PATH", c.DBPath)
	c.WorkDir = getEnv("CLACKBOT_WORKDIR", c.WorkDir)
	c.Web.Port = getEnv("CLACKBOT_WEB_PORT", c.Web.Port)
	if origins, ok := os.LookupEnv("CLACKBOT_CORS_ORIGINS"); ok {
		c.Web.CORSOrigins = splitList(origins)
	}

	c.Slack.BotToken = getEnv("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.AppToken = getEnv("SLACK_APP_TOKEN", c.Slack.AppToken)
	c.Slack.OwnerUserID = getEnv("CLACKBOT_OWNER_USER_ID", c.Slack.OwnerUserID)
	c.Slack.UpdateRate = getEnvFloat("CLACKBOT_SLACK_UPDATE_RATE", c.Slack.UpdateRate)
	c.Slack.UpdateBurst = getEnvInt("CLACKBOT_SLACK_UPDATE_BURST", c.Slack.UpdateBurst)

	c.Session.MaxMessages = getEnvInt("CLACKBOT_SESSION_MAX_MESSAGES", c.Session.MaxMessages)
	c.Session.TimeoutMinutes = getEnvInt("CLACKBOT_SESSION_TIMEOUT_MINUTES", c.Session.TimeoutMinutes)

	c.Personality.ThinkingMessage = getEnv("CLACKBOT_THINKING_MESSAGE", c.Personality.ThinkingMessage)
	c.Personality.ShowProgress = getEnvBool("CLACKBOT_SHOW_PROGRESS", c.Personality.ShowProgress)
	c.Personality.ProgressInterval.Duration = getEnvDuration("CLACKBOT_PROGRESS_INTERVAL", c.Personality.ProgressInterval.Duration)
	c.Personality.MaxMessageLength = getEnvInt("CLACKBOT_MAX_MESSAGE_LENGTH", c.Personality.MaxMessageLength)

	c.Agent.ClaudeBin = getEnv("CLACKBOT_CLAUDE_BIN", c.Agent.ClaudeBin)
	c.Agent.MaxTurns = getEnvInt("CLACKBOT_MAX_TURNS", c.Agent.MaxTurns)
	c.Agent.SessionTTL.Duration = getEnvDuration("CLACKBOT_AGENT_SESSION_TTL", c.Agent.SessionTTL.Duration)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Dir = getEnv("LOG_DIR", c.Log.Dir)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("CLACKBOT_DB_PATH cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("CLACKBOT_WORKDIR cannot be empty")
	}
	if c.Web.Port == "" {
		return fmt.Errorf("CLACKBOT_WEB_PORT cannot be empty")
	}
	if c.Session.MaxMessages < 1 || c.Session.MaxMessages > 1000 {
		return fmt.Errorf("CLACKBOT_SESSION_MAX_MESSAGES must be between 1 and 1000, got %d", c.Session.MaxMessages)
	}
	if c.Session.TimeoutMinutes < 1 || c.Session.TimeoutMinutes > 1440 {
		return fmt.Errorf("CLACKBOT_SESSION_TIMEOUT_MINUTES must be between 1 and 1440, got %d", c.Session.TimeoutMinutes)
	}
	if c.Personality.ProgressInterval.Duration <= 0 {
		return fmt.Errorf("CLACKBOT_PROGRESS_INTERVAL must be > 0")
	}
	if c.Personality.MaxMessageLength < 100 || c.Personality.MaxMessageLength > 40000 {
		return fmt.Errorf("CLACKBOT_MAX_MESSAGE_LENGTH must be between 100 and 40000, got %d", c.Personality.MaxMessageLength)
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("CLACKBOT_MAX_TURNS must be > 0")
	}
	if c.Agent.SessionTTL.Duration <= 0 {
		return fmt.Errorf("CLACKBOT_AGENT_SESSION_TTL must be > 0")
	}
	if c.Slack.UpdateRate <= 0 || c.Slack.UpdateBurst <= 0 {
		return fmt.Errorf("slack update rate and burst must be > 0")
	}
	for name, p := range c.Projects {
		if !projectNameRe.MatchString(name) {
			return fmt.Errorf("project name %q must contain only letters, digits and underscores", name)
		}
		if strings.TrimSpace(p.Path) == "" {
			return fmt.Errorf("project %q needs a path", name)
		}
	}
	return nil
}

// ProjectPaths returns project name to directory.
func (c *Config) ProjectPaths() map[string]string {
	out := make(map[string]string, len(c.Projects))
	for name, p := range c.Projects {
		out[name] = p.Path
	}
	return out
}

// ValidateSlack checks the credentials needed to connect to Slack.
func (c *Config) ValidateSlack() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		return fmt.Errorf("SLACK_APP_TOKEN must be an app-level token (xapp-...)")
	}
	return nil
}

// SessionPolicy returns the chat session auto-reset policy.
func (c *Config) SessionPolicy() domain.SessionPolicy {
	return domain.SessionPolicy{
		MaxMessages:    c.Session.MaxMessages,
		TimeoutMinutes: c.Session.TimeoutMinutes,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
