package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DefaultAPIBaseURL    = "https://api.line.me/"
	DefaultAccessBaseURL = "https://access.line.me"
	DefaultUserAgent     = "lineapi-go/0.1"
	DefaultCacheTTL      = 5 * time.Minute
)

var envBindings = map[string]string{
	"channel_id":      "LINE_CHANNEL_ID",
	"channel_secret":  "LINE_CHANNEL_SECRET",
	"api_base_url":    "LINE_API_BASE_URL",
	"access_base_url": "LINE_ACCESS_BASE_URL",
	"token_db":        "LINE_TOKEN_DB",
	"token_key":       "LINE_TOKEN_KEY",
	"cache_ttl":       "LINE_CACHE_TTL",
	"user_agent":      "LINE_USER_AGENT",
	"debug":           "LINE_DEBUG",
}

func loadEnv(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	v.SetDefault("api_base_url", DefaultAPIBaseURL)
	v.SetDefault("access_base_url", DefaultAccessBaseURL)
	v.SetDefault("user_agent", DefaultUserAgent)
	v.SetDefault("cache_ttl", DefaultCacheTTL)
	v.SetDefault("debug", false)

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	v.SetDefault("token_db", filepath.Join(home, ".lineapi", "tokens.db"))
	return nil
}

// LoadViper reads env bindings and an optional lineapi.yml from the working
// directory or ~/.lineapi.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()
	if err := loadEnv(v); err != nil {
		return nil, err
	}

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".lineapi"))
	}
	v.SetConfigType("yml")
	v.SetConfigName("lineapi")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}
	return v, nil
}

// Config is the resolved client configuration.
type Config struct {
	ChannelID     string
	ChannelSecret string
	APIBaseURL    string
	AccessBaseURL string
	TokenDB       string
	TokenKey      string
	CacheTTL      time.Duration
	UserAgent     string
	Debug         bool
}

func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		return nil, err
	}
	return NewConfigFromViper(v), nil
}

func NewConfigFromViper(v *viper.Viper) *Config {
	return &Config{
		ChannelID:     v.GetString("channel_id"),
		ChannelSecret: v.GetString("channel_secret"),
		APIBaseURL:    v.GetString("api_base_url"),
		AccessBaseURL: v.GetString("access_base_url"),
		TokenDB:       v.GetString("token_db"),
		TokenKey:      v.GetString("token_key"),
		CacheTTL:      getDuration(v, "cache_ttl"),
		UserAgent:     v.GetString("user_agent"),
		Debug:         v.GetBool("debug"),
	}
}

// getDuration reads key as a duration. A bare number is taken as seconds.
func getDuration(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return v.GetDuration(key)
}

// Validate checks the fields every client needs.
func (c *Config) Validate() error {
	if c.ChannelID == "" {
		return errors.New("channel id is required")
	}
	if c.APIBaseURL == "" {
		return errors.New("api base url is required")
	}
	if c.CacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	return nil
}
