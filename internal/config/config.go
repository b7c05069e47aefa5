package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv reads .env from the working directory or one of its parents, only outside production.
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		f, err := os.Open(dir + "/.env")
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// TypingConfig holds the typing indicator intervals.
type TypingConfig struct {
	// Debounce suppresses repeated start signals.
	Debounce time.Duration
	// Idle emits stop after no keystroke for this long.
	Idle time.Duration
	// Expiry clears a remote indicator that was not refreshed.
	Expiry time.Duration
}

// ReconnectConfig holds the channel backoff bounds.
type ReconnectConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Config holds client engine settings.
// Priority: environment > YAML > defaults.
type Config struct {
	APIBaseURL  string
	WSURL       string
	AccessToken string

	UserID   string
	UserName string

	PageSize          int
	CorrelationWindow time.Duration
	SingleReaction    bool

	Typing       TypingConfig
	Reconnect    ReconnectConfig
	PingInterval time.Duration

	// RedisURL backs the failed-message outbox. Empty keeps it in memory.
	RedisURL string

	DevServerAddr string
	// DevUsers is the devserver token table: "token:id:name,...".
	DevUsers      string
	LogLevel      string
}

// yamlConfig is the file layout.
type yamlConfig struct {
	APIBaseURL          string `yaml:"api_base_url"`
	WSURL               string `yaml:"ws_url"`
	AccessToken         string `yaml:"access_token"`
	UserID              string `yaml:"user_id"`
	UserName            string `yaml:"user_name"`
	PageSize            int    `yaml:"page_size"`
	CorrelationWindowMS int    `yaml:"correlation_window_ms"`
	SingleReaction      bool   `yaml:"single_reaction_per_user"`
	TypingDebounceMS    int    `yaml:"typing_debounce_ms"`
	TypingIdleMS        int    `yaml:"typing_idle_ms"`
	TypingExpiryMS      int    `yaml:"typing_expiry_ms"`
	ReconnectBaseMS     int    `yaml:"reconnect_base_ms"`
	ReconnectMaxMS      int    `yaml:"reconnect_max_ms"`
	PingIntervalS       int    `yaml:"ping_interval_s"`
	RedisURL            string `yaml:"redis_url"`
	DevServerAddr       string `yaml:"devserver_addr"`
	DevUsers            string `yaml:"devserver_users"`
	LogLevel            string `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		APIBaseURL:          "http://localhost:8090",
		WSURL:               "ws://localhost:8090/ws",
		PageSize:            30,
		CorrelationWindowMS: 15000,
		TypingDebounceMS:    2000,
		TypingIdleMS:        4000,
		TypingExpiryMS:      6000,
		ReconnectBaseMS:     1000,
		ReconnectMaxMS:      30000,
		PingIntervalS:       25,
		DevServerAddr:       ":8090",
		DevUsers:            "alice-token:u1:Alice,bob-token:u2:Bob",
		LogLevel:            "info",
	}
}

// Default returns the built-in configuration without reading files or environment.
func Default() *Config { return build(defaults()) }

// Load reads .env, then CONFIG_PATH or config/chatsync.yaml, then environment overrides.
func Load() *Config {
	loadEnv()
	yc := defaults()
	for _, path := range []string{os.Getenv("CONFIG_PATH"), "config/chatsync.yaml"} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := parse(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	yc.APIBaseURL = envStr("CHATSYNC_API_URL", yc.APIBaseURL)
	yc.WSURL = envStr("CHATSYNC_WS_URL", yc.WSURL)
	yc.AccessToken = envStr("CHATSYNC_TOKEN", yc.AccessToken)
	yc.UserID = envStr("CHATSYNC_USER_ID", yc.UserID)
	yc.UserName = envStr("CHATSYNC_USER_NAME", yc.UserName)
	yc.PageSize = envInt("PAGE_SIZE", yc.PageSize)
	yc.CorrelationWindowMS = envInt("CORRELATION_WINDOW_MS", yc.CorrelationWindowMS)
	yc.SingleReaction = envBool("SINGLE_REACTION_PER_USER", yc.SingleReaction)
	yc.TypingDebounceMS = envInt("TYPING_DEBOUNCE_MS", yc.TypingDebounceMS)
	yc.TypingIdleMS = envInt("TYPING_IDLE_MS", yc.TypingIdleMS)
	yc.TypingExpiryMS = envInt("TYPING_EXPIRY_MS", yc.TypingExpiryMS)
	yc.ReconnectBaseMS = envInt("RECONNECT_BASE_MS", yc.ReconnectBaseMS)
	yc.ReconnectMaxMS = envInt("RECONNECT_MAX_MS", yc.ReconnectMaxMS)
	yc.PingIntervalS = envInt("PING_INTERVAL_S", yc.PingIntervalS)
	yc.RedisURL = envStr("REDIS_URL", yc.RedisURL)
	yc.DevServerAddr = envStr("DEVSERVER_ADDR", yc.DevServerAddr)
	yc.DevUsers = envStr("DEVSERVER_USERS", yc.DevUsers)
	yc.LogLevel = envStr("LOG_LEVEL", yc.LogLevel)

	return build(yc)
}

// parse decodes YAML on top of the values already in yc.
func parse(data []byte, yc *yamlConfig) error {
	return yaml.Unmarshal(data, yc)
}

// FromYAML builds a Config from YAML over the defaults. Used by tests and tools.
func FromYAML(data []byte) (*Config, error) {
	yc := defaults()
	if err := parse(data, &yc); err != nil {
		return nil, err
	}
	return build(yc), nil
}

func build(yc yamlConfig) *Config {
	ms := func(v, fallback int) time.Duration {
		if v <= 0 {
			v = fallback
		}
		return time.Duration(v) * time.Millisecond
	}
	d := defaults()
	cfg := &Config{
		APIBaseURL:        strings.TrimSuffix(yc.APIBaseURL, "/"),
		WSURL:             yc.WSURL,
		AccessToken:       yc.AccessToken,
		UserID:            yc.UserID,
		UserName:          yc.UserName,
		PageSize:          yc.PageSize,
		CorrelationWindow: ms(yc.CorrelationWindowMS, d.CorrelationWindowMS),
		SingleReaction:    yc.SingleReaction,
		Typing: TypingConfig{
			Debounce: ms(yc.TypingDebounceMS, d.TypingDebounceMS),
			Idle:     ms(yc.TypingIdleMS, d.TypingIdleMS),
			Expiry:   ms(yc.TypingExpiryMS, d.TypingExpiryMS),
		},
		Reconnect: ReconnectConfig{
			BaseDelay: ms(yc.ReconnectBaseMS, d.ReconnectBaseMS),
			MaxDelay:  ms(yc.ReconnectMaxMS, d.ReconnectMaxMS),
		},
		PingInterval:  time.Duration(yc.PingIntervalS) * time.Second,
		RedisURL:      yc.RedisURL,
		DevServerAddr: yc.DevServerAddr,
		DevUsers:      yc.DevUsers,
		LogLevel:      yc.LogLevel,
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = d.PageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Duration(d.PingIntervalS) * time.Second
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		cfg.Reconnect.MaxDelay = cfg.Reconnect.BaseDelay
	}
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
