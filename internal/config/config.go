package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/spf13/viper"

	"github.com/example/stayrace/internal/browser"
)

type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`

	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`

	Redis     Redis     `mapstructure:"redis"`
	Keys      Keys      `mapstructure:"keys"`
	Pool      Pool      `mapstructure:"pool"`
	Task      Task      `mapstructure:"task"`
	Retry     Retry     `mapstructure:"retry"`
	Decision  Decision  `mapstructure:"decision"`
	Embedder  Embedder  `mapstructure:"embedder"`
	Browser   Browser   `mapstructure:"browser"`
	Scheduler Scheduler `mapstructure:"scheduler"`

	// decoded from Keys
	HandleHashKey  []byte `mapstructure:"-"`
	HandleBlockKey []byte `mapstructure:"-"`
	SealKey        []byte `mapstructure:"-"`
	// true when some key was missing and a random one was generated
	EphemeralKeys bool `mapstructure:"-"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Keys are base64 values or paths to files holding them.
type Keys struct {
	HandleHash  string `mapstructure:"handle_hash"`
	HandleBlock string `mapstructure:"handle_block"`
	Seal        string `mapstructure:"seal"`
	// bcrypt hash of the intake bearer token; empty disables the check
	IntakeTokenHash string `mapstructure:"intake_token_hash"`
}

type Pool struct {
	Size           int           `mapstructure:"size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	OpenTimeout    time.Duration `mapstructure:"open_timeout"`
}

type Task struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ScarcePollInterval time.Duration `mapstructure:"scarce_poll_interval"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	DefaultDeadline    time.Duration `mapstructure:"default_deadline"`
	MaxCandidates      int           `mapstructure:"max_candidates"`
	// how long settled requests stay in memory for status queries
	Retention time.Duration `mapstructure:"retention"`
}

type Retry struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       float64       `mapstructure:"jitter"`
	MaxTransient int           `mapstructure:"max_transient"`
}

type Decision struct {
	Provider      string  `mapstructure:"provider"` // heuristic | gemini
	APIKey        string  `mapstructure:"api_key"`
	Model         string  `mapstructure:"model"`
	MinConfidence float64 `mapstructure:"min_confidence"`
	HistorySize   int     `mapstructure:"history_size"`
	Rate          float64 `mapstructure:"rate"`
	Burst         int     `mapstructure:"burst"`
	AbandonAfter  int     `mapstructure:"abandon_after"`
}

type Embedder struct {
	Provider  string        `mapstructure:"provider"` // hash | openai
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Dim       int           `mapstructure:"dim"`
	CacheSize int           `mapstructure:"cache_size"`
}

type Browser struct {
	Headless    bool          `mapstructure:"headless"`
	ChromePath  string        `mapstructure:"chrome_path"`
	CDPURL      string        `mapstructure:"cdp_url"`
	UserDataDir string        `mapstructure:"user_data_dir"`
	UserAgent   string        `mapstructure:"user_agent"`
	BaseURL     string        `mapstructure:"base_url"`
	SearchPath  string        `mapstructure:"search_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SettleWait  time.Duration `mapstructure:"settle_wait"`

	// Site-specific page knowledge.
	Selectors browser.Selectors `mapstructure:"selectors"`
	Markers   browser.Markers   `mapstructure:"markers"`
}

type Scheduler struct {
	Interval time.Duration `mapstructure:"interval"`
	Lead     time.Duration `mapstructure:"lead"` // submit this long before NotBefore
}

const EnvPrefix = "STAYRACE"

func defaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("keys.handle_hash", "")
	v.SetDefault("keys.handle_block", "")
	v.SetDefault("keys.seal", "")
	v.SetDefault("keys.intake_token_hash", "")

	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.acquire_timeout", "2m")
	v.SetDefault("pool.open_timeout", "45s")

	v.SetDefault("task.poll_interval", "30s")
	v.SetDefault("task.scarce_poll_interval", "5s")
	v.SetDefault("task.attempt_timeout", "90s")
	v.SetDefault("task.lock_ttl", "2m")
	v.SetDefault("task.default_deadline", "30m")
	v.SetDefault("task.max_candidates", 10)
	v.SetDefault("task.retention", "15m")

	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_transient", 5)

	v.SetDefault("decision.provider", "heuristic")
	v.SetDefault("decision.api_key", "")
	v.SetDefault("decision.model", "gemini-1.5-flash")
	v.SetDefault("decision.min_confidence", 0.5)
	v.SetDefault("decision.history_size", 5)
	v.SetDefault("decision.rate", 1.0)
	v.SetDefault("decision.burst", 4)
	v.SetDefault("decision.abandon_after", 3)

	v.SetDefault("embedder.provider", "hash")
	v.SetDefault("embedder.api_key", "")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedder.timeout", "15s")
	v.SetDefault("embedder.dim", 256)
	v.SetDefault("embedder.cache_size", 1024)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.cdp_url", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.base_url", "https://sutochno.ru")
	v.SetDefault("browser.search_path", "/search")
	v.SetDefault("browser.timeout", "45s")
	v.SetDefault("browser.settle_wait", "3s")
	pageDefaults(v)

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.lead", "2m")
}

func pageDefaults(v *viper.Viper) {
	sel := browser.DefaultSelectors()
	for key, val := range map[string]string{
		"result_card":    sel.ResultCard,
		"result_link":    sel.ResultLink,
		"result_title":   sel.ResultTitle,
		"result_price":   sel.ResultPrice,
		"result_total":   sel.ResultTotal,
		"result_rating":  sel.ResultRating,
		"result_address": sel.ResultAddr,
		"result_cancel":  sel.ResultCancel,
		"title":          sel.Title,
		"price":          sel.Price,
		"book_button":    sel.BookButton,
		"first_name":     sel.FirstName,
		"last_name":      sel.LastName,
		"middle_name":    sel.MiddleName,
		"phone":          sel.Phone,
		"email":          sel.Email,
		"submit":         sel.Submit,
	} {
		v.SetDefault("browser.selectors."+key, val)
	}

	m := browser.DefaultMarkers()
	v.SetDefault("browser.markers.unavailable", m.Unavailable)
	v.SetDefault("browser.markers.scarce", m.Scarce)
	v.SetDefault("browser.markers.confirmed", m.Confirmed)
	v.SetDefault("browser.markers.rejected", m.Rejected)
	v.SetDefault("browser.markers.challenge", m.Challenge)
	v.SetDefault("browser.markers.confirmation", m.Confirmation)
}

// FromEnv reads STAYRACE_* variables, e.g. STAYRACE_POOL_SIZE.
func FromEnv() (Config, error) {
	return Load("")
}

// Load reads an optional YAML file (stayrace.yaml in . or ./config when path
// is empty) and overlays STAYRACE_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("stayrace")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.decodeKeys(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Pool.Size < 1:
		return fmt.Errorf("pool.size must be at least 1")
	case c.Task.PollInterval <= 0 || c.Task.AttemptTimeout <= 0:
		return fmt.Errorf("task intervals must be positive")
	case c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay:
		return fmt.Errorf("retry.base_delay must be positive and not above retry.max_delay")
	case c.Retry.Jitter < 0 || c.Retry.Jitter > 1:
		return fmt.Errorf("retry.jitter must be within [0,1]")
	case c.Decision.MinConfidence < 0 || c.Decision.MinConfidence > 1:
		return fmt.Errorf("decision.min_confidence must be within [0,1]")
	case c.Scheduler.Interval <= 0:
		return fmt.Errorf("scheduler.interval must be positive")
	case c.Browser.Selectors.ResultCard == "" || c.Browser.Selectors.BookButton == "" || c.Browser.Selectors.Submit == "":
		return fmt.Errorf("browser.selectors: result_card, book_button and submit are required")
	}
	if c.Browser.Markers.Confirmation != "" {
		if _, err := regexp.Compile(c.Browser.Markers.Confirmation); err != nil {
			return fmt.Errorf("browser.markers.confirmation: %w", err)
		}
	}
	switch c.Decision.Provider {
	case "heuristic":
	case "gemini":
		if c.Decision.APIKey == "" {
			return fmt.Errorf("decision.api_key is required for gemini")
		}
	default:
		return fmt.Errorf("unknown decision.provider %q", c.Decision.Provider)
	}
	switch c.Embedder.Provider {
	case "hash":
	case "openai":
		if c.Embedder.APIKey == "" {
			return fmt.Errorf("embedder.api_key is required for openai")
		}
	default:
		return fmt.Errorf("unknown embedder.provider %q", c.Embedder.Provider)
	}
	return nil
}

func (c *Config) decodeKeys() error {
	var err error
	if c.HandleHashKey, err = c.key("keys.handle_hash", c.Keys.HandleHash, 32); err != nil {
		return err
	}
	if c.HandleBlockKey, err = c.key("keys.handle_block", c.Keys.HandleBlock, 32); err != nil {
		return err
	}
	if c.SealKey, err = c.key("keys.seal", c.Keys.Seal, 32); err != nil {
		return err
	}
	if n := len(c.HandleBlockKey); n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("keys.handle_block must decode to 16, 24 or 32 bytes (got %d)", n)
	}
	if len(c.SealKey) != 32 {
		return fmt.Errorf("keys.seal must decode to 32 bytes (got %d)", len(c.SealKey))
	}
	return nil
}

func (c *Config) key(name, raw string, size int) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		c.EphemeralKeys = true
		return securecookie.GenerateRandomKey(size), nil
	}
	b, err := DecodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

// DecodeKey accepts a base64 value or a path to a file containing one,
// so keys can come from mounted secrets.
func DecodeKey(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
