package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/oauth"
	"github.com/you/gnasty-relay/internal/pipe"
)

type Config struct {
	Twitch    TwitchConfig
	YouTube   YouTubeConfig
	Pipe      PipeConfig
	Relay     RelayConfig
	Health    HealthConfig
	Templates TemplateConfig
	Storage   StorageConfig
	HTTP      HTTPConfig
	Redis     RedisConfig
	Activity  ActivityConfig
	Log       LogConfig

	ControlDir  string
	JoinTimeout time.Duration

	// Overlay is the YAML file applied after the environment, if any.
	Overlay string
}

type TwitchConfig struct {
	Login        string
	ClientID     string
	ClientSecret string
}

type YouTubeConfig struct {
	ClientID         string
	ClientSecret     string
	RefreshToken     string
	RefreshTokenFile string
	TokenFile        string
	APIBase          string
	Visibility       string
	FinalVisibility  string
	PlaylistID       string
	CategoryID       string

	// FixedRTMPURL and FixedRTMPKey select legacy mode.
	FixedRTMPURL string
	FixedRTMPKey string
}

type PipeConfig struct {
	FetchBin     string
	TranscodeBin string
	StopGrace    time.Duration
}

type RelayConfig struct {
	LivenessPoll     time.Duration
	RolloverInterval time.Duration
	ShortCooldown    time.Duration
	LongCooldown     time.Duration
	MaxFailures      int
	PostSessionWait  time.Duration
	ErrorCooldown    time.Duration
}

type HealthConfig struct {
	Enabled  bool
	Attempts int
	Delay    time.Duration
}

type TemplateConfig struct {
	Title           string
	Description     string
	ChaptersEnabled bool
	MinChapter      time.Duration
}

type StorageConfig struct {
	LogDir     string
	SQLitePath string
}

type HTTPConfig struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
}

type RedisConfig struct {
	Addr    string
	Channel string
}

type ActivityConfig struct {
	Poll         time.Duration
	FollowerPoll time.Duration
	// Chat enables the read-only chat listener feeding the chat
	// activity log.
	Chat         bool
	ChatInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultFetchBin        = "streamlink"
	defaultTranscodeBin    = "ffmpeg"
	defaultStopGrace       = 10 * time.Second
	defaultLivenessPoll    = 30 * time.Second
	defaultRollover        = 8 * time.Hour
	defaultShortCooldown   = 30 * time.Second
	defaultLongCooldown    = 10 * time.Minute
	defaultMaxFailures     = 3
	defaultPostSessionWait = 2 * time.Minute
	defaultErrorCooldown   = time.Minute
	defaultHealthAttempts  = 5
	defaultHealthDelay     = 10 * time.Second
	defaultMinChapter      = time.Minute
	defaultLogDir          = "data"
	defaultSQLitePath      = "relay.db"
	defaultControlDir      = "control"
	defaultRedisChannel    = "relay:notifications"
	defaultActivityPoll    = time.Minute
	defaultFollowerPoll    = 10 * time.Minute
	defaultChatInterval    = time.Minute
	defaultJoinTimeout     = 30 * time.Second
	defaultRateRPS         = 20
	defaultRateBurst       = 40
)

// Load reads the optional env file, the environment and the optional YAML
// overlay, in that order.
func Load() (Config, error) {
	envFile := strings.TrimSpace(os.Getenv("RELAY_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: env file %s: %w", envFile, err)
	}

	cfg := Config{}

	cfg.Twitch.Login = strings.ToLower(readString("RELAY_TWITCH_LOGIN", ""))
	cfg.Twitch.ClientID = readString("RELAY_TWITCH_CLIENT_ID", "")
	cfg.Twitch.ClientSecret = readString("RELAY_TWITCH_CLIENT_SECRET", "")

	cfg.YouTube.ClientID = readString("RELAY_YT_CLIENT_ID", "")
	cfg.YouTube.ClientSecret = readString("RELAY_YT_CLIENT_SECRET", "")
	cfg.YouTube.RefreshToken = readString("RELAY_YT_REFRESH_TOKEN", "")
	cfg.YouTube.RefreshTokenFile = readString("RELAY_YT_REFRESH_TOKEN_FILE", "")
	cfg.YouTube.TokenFile = readString("RELAY_YT_TOKEN_FILE", "")
	cfg.YouTube.APIBase = readString("RELAY_YT_API_BASE", "")
	cfg.YouTube.Visibility = strings.ToLower(readString("RELAY_YT_VISIBILITY", core.VisibilityUnlisted))
	cfg.YouTube.FinalVisibility = strings.ToLower(readString("RELAY_YT_FINAL_VISIBILITY", ""))
	cfg.YouTube.PlaylistID = readString("RELAY_YT_PLAYLIST_ID", "")
	cfg.YouTube.CategoryID = readString("RELAY_YT_CATEGORY_ID", "")
	cfg.YouTube.FixedRTMPURL = readString("RELAY_FIXED_RTMP_URL", "")
	cfg.YouTube.FixedRTMPKey = readString("RELAY_FIXED_RTMP_KEY", "")

	cfg.Pipe.FetchBin = readString("RELAY_FETCH_BIN", defaultFetchBin)
	cfg.Pipe.TranscodeBin = readString("RELAY_TRANSCODE_BIN", defaultTranscodeBin)
	cfg.Pipe.StopGrace = readDuration("RELAY_STOP_GRACE", defaultStopGrace)

	cfg.Relay.LivenessPoll = readDuration("RELAY_LIVENESS_POLL", defaultLivenessPoll)
	cfg.Relay.RolloverInterval = readDuration("RELAY_ROLLOVER_INTERVAL", defaultRollover)
	cfg.Relay.ShortCooldown = readDuration("RELAY_SHORT_COOLDOWN", defaultShortCooldown)
	cfg.Relay.LongCooldown = readDuration("RELAY_LONG_COOLDOWN", defaultLongCooldown)
	cfg.Relay.MaxFailures = readInt("RELAY_MAX_FAILURES", defaultMaxFailures)
	cfg.Relay.PostSessionWait = readDuration("RELAY_POST_SESSION_WAIT", defaultPostSessionWait)
	cfg.Relay.ErrorCooldown = readDuration("RELAY_ERROR_COOLDOWN", defaultErrorCooldown)

	cfg.Health.Enabled = readBool("RELAY_HEALTHCHECK_ENABLED", true)
	cfg.Health.Attempts = readInt("RELAY_HEALTHCHECK_ATTEMPTS", defaultHealthAttempts)
	cfg.Health.Delay = readDuration("RELAY_HEALTHCHECK_DELAY", defaultHealthDelay)

	cfg.Templates.Title = os.Getenv("RELAY_TITLE_TEMPLATE")
	cfg.Templates.Description = os.Getenv("RELAY_DESCRIPTION_TEMPLATE")
	cfg.Templates.ChaptersEnabled = readBool("RELAY_CHAPTERS_ENABLED", true)
	cfg.Templates.MinChapter = readDuration("RELAY_MIN_CHAPTER", defaultMinChapter)

	cfg.Storage.LogDir = readString("RELAY_LOG_DIR", defaultLogDir)
	cfg.Storage.SQLitePath = readString("RELAY_SQLITE_PATH", defaultSQLitePath)

	cfg.HTTP.Addr = readString("RELAY_HTTP_ADDR", "")
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("RELAY_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateLimitRPS = readInt("RELAY_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateLimitBurst = readInt("RELAY_HTTP_RATE_BURST", defaultRateBurst)

	cfg.Redis.Addr = readString("RELAY_REDIS_ADDR", "")
	cfg.Redis.Channel = readString("RELAY_REDIS_CHANNEL", defaultRedisChannel)

	cfg.Activity.Poll = readDuration("RELAY_ACTIVITY_POLL", defaultActivityPoll)
	cfg.Activity.FollowerPoll = readDuration("RELAY_FOLLOWER_POLL", defaultFollowerPoll)
	cfg.Activity.Chat = readBool("RELAY_CHAT_ENABLED", true)
	cfg.Activity.ChatInterval = readDuration("RELAY_CHAT_INTERVAL", defaultChatInterval)

	cfg.Log.Level = readString("RELAY_LOG_LEVEL", "info")
	cfg.Log.Format = readString("RELAY_LOG_FORMAT", "text")

	cfg.ControlDir = readString("RELAY_CONTROL_DIR", defaultControlDir)
	cfg.JoinTimeout = readDuration("RELAY_JOIN_TIMEOUT", defaultJoinTimeout)

	cfg.Overlay = readString("RELAY_CONFIG", "")
	if cfg.Overlay != "" {
		if err := cfg.ApplyOverlay(cfg.Overlay); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// overlay holds the values that are awkward to carry in environment
// variables. Empty fields leave the loaded value alone.
type overlay struct {
	TitleTemplate       string   `yaml:"title_template"`
	DescriptionTemplate string   `yaml:"description_template"`
	PlaylistID          string   `yaml:"playlist_id"`
	CategoryID          string   `yaml:"category_id"`
	CORSOrigins         []string `yaml:"cors_origins"`
}

// ApplyOverlay merges the YAML file at path into c.
func (c *Config) ApplyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: overlay: %w", err)
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("config: overlay %s: %w", path, err)
	}
	if o.TitleTemplate != "" {
		c.Templates.Title = o.TitleTemplate
	}
	if o.DescriptionTemplate != "" {
		c.Templates.Description = o.DescriptionTemplate
	}
	if o.PlaylistID != "" {
		c.YouTube.PlaylistID = strings.TrimSpace(o.PlaylistID)
	}
	if o.CategoryID != "" {
		c.YouTube.CategoryID = strings.TrimSpace(o.CategoryID)
	}
	if len(o.CORSOrigins) > 0 {
		c.HTTP.CORSOrigins = splitList(strings.Join(o.CORSOrigins, ","))
	}
	return nil
}

// Legacy reports whether a fixed ingest endpoint replaces destination
// provisioning.
func (c Config) Legacy() bool { return c.YouTube.FixedRTMPURL != "" }

// Validate reports every configuration problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Twitch.Login == "" {
		add("RELAY_TWITCH_LOGIN is required")
	}
	if oauth.IsPlaceholder(c.Twitch.ClientID) || oauth.IsPlaceholder(c.Twitch.ClientSecret) {
		add("RELAY_TWITCH_CLIENT_ID and RELAY_TWITCH_CLIENT_SECRET must be set to real values")
	}
	if !c.Legacy() {
		if oauth.IsPlaceholder(c.YouTube.ClientID) || oauth.IsPlaceholder(c.YouTube.ClientSecret) {
			add("RELAY_YT_CLIENT_ID and RELAY_YT_CLIENT_SECRET must be set to real values")
		}
		if oauth.IsPlaceholder(c.YouTube.RefreshToken) && c.YouTube.RefreshTokenFile == "" {
			add("RELAY_YT_REFRESH_TOKEN or RELAY_YT_REFRESH_TOKEN_FILE is required")
		}
		if !core.ValidVisibility(c.YouTube.Visibility) {
			add("RELAY_YT_VISIBILITY %q is not public, unlisted or private", c.YouTube.Visibility)
		}
		if c.YouTube.FinalVisibility != "" && !core.ValidVisibility(c.YouTube.FinalVisibility) {
			add("RELAY_YT_FINAL_VISIBILITY %q is not public, unlisted or private", c.YouTube.FinalVisibility)
		}
	} else if !strings.Contains(c.YouTube.FixedRTMPURL, "://") {
		add("RELAY_FIXED_RTMP_URL %q is not a URL", c.YouTube.FixedRTMPURL)
	}
	if err := pipe.CheckExecutables(c.Pipe.FetchBin, c.Pipe.TranscodeBin); err != nil {
		errs = append(errs, err)
	}

	for _, p := range []struct {
		name string
		d    time.Duration
	}{
		{"RELAY_LIVENESS_POLL", c.Relay.LivenessPoll},
		{"RELAY_SHORT_COOLDOWN", c.Relay.ShortCooldown},
		{"RELAY_LONG_COOLDOWN", c.Relay.LongCooldown},
		{"RELAY_ACTIVITY_POLL", c.Activity.Poll},
		{"RELAY_JOIN_TIMEOUT", c.JoinTimeout},
	} {
		if p.d <= 0 {
			add("%s must be positive", p.name)
		}
	}
	if c.Relay.RolloverInterval < 0 {
		add("RELAY_ROLLOVER_INTERVAL must not be negative")
	}
	if c.Health.Enabled && (c.Health.Attempts <= 0 || c.Health.Delay <= 0) {
		add("RELAY_HEALTHCHECK_ATTEMPTS and RELAY_HEALTHCHECK_DELAY must be positive")
	}
	return errors.Join(errs...)
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// readDuration accepts Go durations ("90s", "8h") or whole seconds. Zero
// is kept; negative or malformed values fall back to def.
func readDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return def
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func (c Config) Summary() Summary {
	return Summary{
		Source:     c.Twitch.Login,
		Legacy:     c.Legacy(),
		LogDir:     c.Storage.LogDir,
		SQLitePath: c.Storage.SQLitePath,
		HTTPAddr:   c.HTTP.Addr,
		Redis:      c.Redis.Addr != "",
		Health:     c.Health.Enabled,
		Chapters:   c.Templates.ChaptersEnabled,
		Rollover:   c.Relay.RolloverInterval.String(),
	}
}

type Summary struct {
	Source     string `json:"source"`
	Legacy     bool   `json:"legacy"`
	LogDir     string `json:"log_dir"`
	SQLitePath string `json:"sqlite_path"`
	HTTPAddr   string `json:"http_addr,omitempty"`
	Redis      bool   `json:"redis"`
	Health     bool   `json:"healthcheck"`
	Chapters   bool   `json:"chapters"`
	Rollover   string `json:"rollover"`
}

// Redacted is the full configuration with every secret replaced by its
// length.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"twitch": map[string]any{
			"login":         c.Twitch.Login,
			"client_id":     redactString(c.Twitch.ClientID),
			"client_secret": redactString(c.Twitch.ClientSecret),
		},
		"youtube": map[string]any{
			"client_id":          redactString(c.YouTube.ClientID),
			"client_secret":      redactString(c.YouTube.ClientSecret),
			"refresh_token":      redactString(c.YouTube.RefreshToken),
			"refresh_token_file": c.YouTube.RefreshTokenFile,
			"token_file":         c.YouTube.TokenFile,
			"api_base":           c.YouTube.APIBase,
			"visibility":         c.YouTube.Visibility,
			"final_visibility":   c.YouTube.FinalVisibility,
			"playlist_id":        c.YouTube.PlaylistID,
			"category_id":        c.YouTube.CategoryID,
			"fixed_rtmp_url":     c.YouTube.FixedRTMPURL,
			"fixed_rtmp_key":     redactString(c.YouTube.FixedRTMPKey),
		},
		"pipe": map[string]any{
			"fetch_bin":     c.Pipe.FetchBin,
			"transcode_bin": c.Pipe.TranscodeBin,
			"stop_grace":    c.Pipe.StopGrace.String(),
		},
		"relay": map[string]any{
			"liveness_poll":     c.Relay.LivenessPoll.String(),
			"rollover_interval": c.Relay.RolloverInterval.String(),
			"short_cooldown":    c.Relay.ShortCooldown.String(),
			"long_cooldown":     c.Relay.LongCooldown.String(),
			"max_failures":      c.Relay.MaxFailures,
			"post_session_wait": c.Relay.PostSessionWait.String(),
			"error_cooldown":    c.Relay.ErrorCooldown.String(),
		},
		"healthcheck": map[string]any{
			"enabled":  c.Health.Enabled,
			"attempts": c.Health.Attempts,
			"delay":    c.Health.Delay.String(),
		},
		"templates": map[string]any{
			"custom_title":       c.Templates.Title != "",
			"custom_description": c.Templates.Description != "",
			"chapters":           c.Templates.ChaptersEnabled,
			"min_chapter":        c.Templates.MinChapter.String(),
		},
		"storage": map[string]any{
			"log_dir":     c.Storage.LogDir,
			"sqlite_path": c.Storage.SQLitePath,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateLimitRPS,
			"rate_burst":   c.HTTP.RateLimitBurst,
		},
		"redis": map[string]any{
			"addr":    c.Redis.Addr,
			"channel": c.Redis.Channel,
		},
		"activity": map[string]any{
			"poll":          c.Activity.Poll.String(),
			"follower_poll": c.Activity.FollowerPoll.String(),
			"chat":          c.Activity.Chat,
			"chat_interval": c.Activity.ChatInterval.String(),
		},
		"control_dir":  c.ControlDir,
		"join_timeout": c.JoinTimeout.String(),
		"overlay":      c.Overlay,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
