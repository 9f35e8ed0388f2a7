// Package config loads Hisho configuration from a YAML file and HISHO_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// HISHO_TELEGRAM_TOKEN overrides telegram.token.
const EnvPrefix = "HISHO"

// Config holds all application configuration.
type Config struct {
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Confirmations ConfirmationsConfig `mapstructure:"confirmations" yaml:"confirmations"`
	LLM           LLMConfig           `mapstructure:"llm" yaml:"llm"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch" yaml:"dispatch"`
	API           APIConfig           `mapstructure:"api" yaml:"api"`
	Telegram      TelegramConfig      `mapstructure:"telegram" yaml:"telegram"`
	Matrix        MatrixConfig        `mapstructure:"matrix" yaml:"matrix"`
	Voice         VoiceConfig         `mapstructure:"voice" yaml:"voice"`
	Google        GoogleConfig        `mapstructure:"google" yaml:"google"`
	Obsidian      ObsidianConfig      `mapstructure:"obsidian" yaml:"obsidian"`
	Limits        LimitsConfig        `mapstructure:"limits" yaml:"limits"`
	Retention     RetentionConfig     `mapstructure:"retention" yaml:"retention"`
	History       HistoryConfig       `mapstructure:"history" yaml:"history"`
}

// LogConfig selects slog level ("debug", "info", "warn", "error") and format
// ("text" or "json").
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DatabaseConfig points at the SQLite file holding history, usage, the Matrix
// sync token and (with the sqlite backend) confirmations.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ConfirmationsConfig selects the confirmation store backend.
type ConfirmationsConfig struct {
	// Backend is "sqlite" (default), "redis" or "memory".
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the redis confirmation backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// KeyPrefix namespaces confirmation keys, default "hisho:confirmation:".
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	// TTL is the redis key lifetime; it stands in for the retention sweep.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// LLMConfig configures the primary and fallback providers.
type LLMConfig struct {
	Primary  ProviderConfig `mapstructure:"primary" yaml:"primary"`
	Fallback FallbackConfig `mapstructure:"fallback" yaml:"fallback"`
	// DynamicModel enables light/full model selection from the complexity hint.
	DynamicModel bool             `mapstructure:"dynamic_model" yaml:"dynamic_model"`
	Classifier   ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	// Timeout bounds a single provider call.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ProviderConfig describes an OpenAI-compatible chat endpoint.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Model is the full model used for complex requests.
	Model string `mapstructure:"model" yaml:"model"`
	// LightModel is used for simple requests when dynamic_model is on.
	LightModel  string  `mapstructure:"light_model" yaml:"light_model"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float32 `mapstructure:"temperature" yaml:"temperature"`
}

// FallbackConfig describes a local Ollama instance.
type FallbackConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
	// UseForSimple routes simple tool-less requests to the fallback first.
	UseForSimple bool `mapstructure:"use_for_simple" yaml:"use_for_simple"`
	// HealthTTL caches the availability probe result.
	HealthTTL time.Duration `mapstructure:"health_ttl" yaml:"health_ttl"`
}

// ClassifierConfig tunes the keyword complexity classifier. Empty pattern
// lists keep the built-in defaults.
type ClassifierConfig struct {
	LengthThreshold int      `mapstructure:"length_threshold" yaml:"length_threshold"`
	SimplePatterns  []string `mapstructure:"simple_patterns" yaml:"simple_patterns"`
	ComplexPatterns []string `mapstructure:"complex_patterns" yaml:"complex_patterns"`
}

// DispatchConfig controls the confirmation identity policy.
type DispatchConfig struct {
	// IdentityCheck is "strict" or "trust-anonymous". With trust-anonymous,
	// confirmations submitted as AnonymousUser skip the owner match.
	IdentityCheck string `mapstructure:"identity_check" yaml:"identity_check"`
	AnonymousUser string `mapstructure:"anonymous_user" yaml:"anonymous_user"`
}

// APIConfig configures the REST API server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	// Token is the bearer token required on /api/v1 routes.
	Token string `mapstructure:"token" yaml:"token"`
	// BaseURL is the externally reachable URL used to build audio links.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Token        string  `mapstructure:"token" yaml:"token"`
	AllowedUsers []int64 `mapstructure:"allowed_users" yaml:"allowed_users"`
	// Timeout is the long-poll timeout in seconds.
	Timeout int `mapstructure:"timeout" yaml:"timeout"`
}

// MatrixConfig configures the Matrix channel.
type MatrixConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Homeserver     string   `mapstructure:"homeserver" yaml:"homeserver"`
	UserID         string   `mapstructure:"user_id" yaml:"user_id"`
	AccessToken    string   `mapstructure:"access_token" yaml:"access_token"`
	Rooms          []string `mapstructure:"rooms" yaml:"rooms"`
	AllowedSenders []string `mapstructure:"allowed_senders" yaml:"allowed_senders"`
}

// VoiceConfig configures speech-to-text and text-to-speech.
type VoiceConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// APIKey defaults to llm.primary.api_key when empty.
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	Language     string `mapstructure:"language" yaml:"language"`
	WhisperModel string `mapstructure:"whisper_model" yaml:"whisper_model"`
	TTSModel     string `mapstructure:"tts_model" yaml:"tts_model"`
	TTSVoice     string `mapstructure:"tts_voice" yaml:"tts_voice"`
	CacheDir     string `mapstructure:"cache_dir" yaml:"cache_dir"`
	CacheDays    int    `mapstructure:"cache_days" yaml:"cache_days"`
	// MaxUploadBytes caps accepted audio uploads.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// GoogleConfig holds OAuth credentials for Calendar and Tasks.
type GoogleConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	ClientID       string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret   string `mapstructure:"client_secret" yaml:"client_secret"`
	RefreshToken   string `mapstructure:"refresh_token" yaml:"refresh_token"`
	CalendarID     string `mapstructure:"calendar_id" yaml:"calendar_id"`
	TaskListID     string `mapstructure:"task_list_id" yaml:"task_list_id"`
	ShoppingListID string `mapstructure:"shopping_list_id" yaml:"shopping_list_id"`
	TimeZone       string `mapstructure:"time_zone" yaml:"time_zone"`
}

// ObsidianConfig points at a vault checked out on local disk.
type ObsidianConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	VaultPath   string        `mapstructure:"vault_path" yaml:"vault_path"`
	NotesFolder string        `mapstructure:"notes_folder" yaml:"notes_folder"`
	GitSync     GitSyncConfig `mapstructure:"git_sync" yaml:"git_sync"`
}

// GitSyncConfig keeps a vault that is a git working copy in step with its
// remote: pull before reading or writing notes, commit after a note is
// created, optionally push.
type GitSyncConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	AutoCommit  bool   `mapstructure:"auto_commit" yaml:"auto_commit"`
	AutoPush    bool   `mapstructure:"auto_push" yaml:"auto_push"`
	Remote      string `mapstructure:"remote" yaml:"remote"`
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
	// Token is sent as HTTP basic auth password for https remotes. SSH
	// remotes use the ssh agent.
	Token string `mapstructure:"token" yaml:"token"`
}

// LimitsConfig bounds per-user usage.
type LimitsConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int `mapstructure:"burst" yaml:"burst"`
	DailyTokens       int `mapstructure:"daily_tokens" yaml:"daily_tokens"`
}

// RetentionConfig schedules the cleanup job.
type RetentionConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	Days     int    `mapstructure:"days" yaml:"days"`
}

// HistoryConfig controls how much conversation context is sent to the model.
type HistoryConfig struct {
	ContextMessages int `mapstructure:"context_messages" yaml:"context_messages"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Path: "./hisho.db"},
		Confirmations: ConfirmationsConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "hisho:confirmation:",
				TTL:       30 * 24 * time.Hour,
			},
		},
		LLM: LLMConfig{
			Primary: ProviderConfig{
				Model:       "gpt-4o",
				LightModel:  "gpt-4o-mini",
				MaxTokens:   4096,
				Temperature: 0.7,
			},
			Fallback: FallbackConfig{
				BaseURL:      "http://localhost:11434",
				Model:        "llama3.1:8b",
				UseForSimple: true,
				HealthTTL:    30 * time.Second,
			},
			DynamicModel: true,
			Classifier:   ClassifierConfig{LengthThreshold: 100},
			Timeout:      60 * time.Second,
		},
		Dispatch: DispatchConfig{IdentityCheck: "trust-anonymous", AnonymousUser: "api_user"},
		API:      APIConfig{Enabled: true, Addr: ":8000", BaseURL: "http://localhost:8000"},
		Telegram: TelegramConfig{Timeout: 60},
		Voice: VoiceConfig{
			Language:       "ru",
			WhisperModel:   "whisper-1",
			TTSModel:       "tts-1",
			TTSVoice:       "alloy",
			CacheDir:       "data/tts_cache",
			CacheDays:      7,
			MaxUploadBytes: 25 << 20,
		},
		Google: GoogleConfig{
			CalendarID: "primary",
			TaskListID: "@default",
			TimeZone:   "Europe/Moscow",
		},
		Obsidian: ObsidianConfig{
			NotesFolder: "Inbox",
			GitSync: GitSyncConfig{
				AutoCommit:  true,
				Remote:      "origin",
				AuthorName:  "Hisho",
				AuthorEmail: "hisho@localhost",
			},
		},
		Limits:    LimitsConfig{RequestsPerMinute: 20, Burst: 5, DailyTokens: 200_000},
		Retention: RetentionConfig{Enabled: true, Schedule: "0 3 * * *", Days: 30},
		History:   HistoryConfig{ContextMessages: 5},
	}
}

// Load reads path (optional; empty means ./hisho.yaml if present) and applies
// HISHO_* environment overrides on top of Default.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hisho")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hisho")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Voice.APIKey == "" {
		cfg.Voice.APIKey = cfg.LLM.Primary.APIKey
	}
	return cfg, nil
}

// setDefaults registers every leaf of d with viper so that AutomaticEnv can
// override keys that never appear in the file.
func setDefaults(v *viper.Viper, d *Config) {
	for key, val := range flatten(d) {
		v.SetDefault(key, val)
	}
}

// Validate checks that every enabled subsystem has its required settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Confirmations.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Confirmations.Redis.Addr == "" {
			errs = append(errs, errors.New("confirmations.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("confirmations.backend %q is not one of sqlite, redis, memory", c.Confirmations.Backend))
	}
	if c.LLM.Primary.APIKey == "" {
		errs = append(errs, errors.New("llm.primary.api_key is required"))
	}
	if c.LLM.Primary.Model == "" {
		errs = append(errs, errors.New("llm.primary.model is required"))
	}
	if c.LLM.Fallback.Enabled && c.LLM.Fallback.Model == "" {
		errs = append(errs, errors.New("llm.fallback.model is required when the fallback is enabled"))
	}
	switch c.Dispatch.IdentityCheck {
	case "strict", "trust-anonymous":
	default:
		errs = append(errs, fmt.Errorf("dispatch.identity_check %q is not one of strict, trust-anonymous", c.Dispatch.IdentityCheck))
	}
	if c.API.Enabled && c.API.Token == "" {
		errs = append(errs, errors.New("api.token is required when the API is enabled"))
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
		}
		if len(c.Telegram.AllowedUsers) == 0 {
			errs = append(errs, errors.New("telegram.allowed_users must list at least one user id"))
		}
	}
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			errs = append(errs, errors.New("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled"))
		}
		if len(c.Matrix.Rooms) == 0 {
			errs = append(errs, errors.New("matrix.rooms must list at least one room id"))
		}
	}
	if c.Google.Enabled && (c.Google.ClientID == "" || c.Google.ClientSecret == "" || c.Google.RefreshToken == "") {
		errs = append(errs, errors.New("google.client_id, google.client_secret and google.refresh_token are required when google is enabled"))
	}
	if c.Obsidian.Enabled && c.Obsidian.VaultPath == "" {
		errs = append(errs, errors.New("obsidian.vault_path is required when obsidian is enabled"))
	}
	if c.Retention.Enabled && c.Retention.Days <= 0 {
		errs = append(errs, errors.New("retention.days must be positive"))
	}
	return errors.Join(errs...)
}

// Secrets lists the credential values present in c, for redact.String.
func (c *Config) Secrets() []string {
	return []string{
		c.LLM.Primary.APIKey,
		c.Voice.APIKey,
		c.API.Token,
		c.Telegram.Token,
		c.Matrix.AccessToken,
		c.Google.ClientSecret,
		c.Google.RefreshToken,
		c.Confirmations.Redis.Password,
		c.Obsidian.GitSync.Token,
	}
}
