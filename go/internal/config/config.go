package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/bidview/go/internal/liveview"
	"github.com/mcdev12/bidview/go/internal/liveview/push"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type Config struct {
	UserID string `yaml:"user_id"`

	API struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`

	Push struct {
		Transport  string `yaml:"transport"`
		WSBaseURL  string `yaml:"ws_base_url"`
		WSPath     string `yaml:"ws_path"`
		NATSURL    string `yaml:"nats_url"`
		NATSStream string `yaml:"nats_stream"`
		NATSPrefix string `yaml:"nats_subject_prefix"`
	} `yaml:"push"`

	Backoff push.Backoff `yaml:"backoff"`

	Store struct {
		TickInterval      time.Duration `yaml:"tick_interval"`
		ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
		ErrorDismissDelay time.Duration `yaml:"error_dismiss_delay"`
		RecentBidLimit    int           `yaml:"recent_bid_limit"`
	} `yaml:"store"`

	Sandbox struct {
		Port          string        `yaml:"port"`
		Increment     string        `yaml:"increment"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		NATSEnabled   bool          `yaml:"nats_enabled"`
	} `yaml:"sandbox"`
}

// Default returns the configuration used when no file or environment overrides are given
func Default() *Config {
	var c Config
	store := liveview.DefaultConfig("")
	ws := push.DefaultWebSocketConfig()
	nc := push.DefaultNATSConfig()

	c.API.BaseURL = "http://localhost:8081"
	c.API.Timeout = 10 * time.Second
	c.Push.Transport = TransportWebSocket
	c.Push.WSBaseURL = ws.BaseURL
	c.Push.WSPath = ws.Path
	c.Push.NATSURL = nc.URL
	c.Push.NATSStream = nc.StreamName
	c.Push.NATSPrefix = nc.SubjectPrefix
	c.Backoff = push.DefaultBackoff()
	c.Store.TickInterval = store.TickInterval
	c.Store.ConfirmTimeout = store.ConfirmTimeout
	c.Store.ErrorDismissDelay = store.ErrorDismissDelay
	c.Store.RecentBidLimit = store.RecentBidLimit
	c.Sandbox.Port = "8081"
	c.Sandbox.Increment = "5000"
	c.Sandbox.SweepInterval = time.Second
	return &c
}

// Load reads path over the defaults, when path is set, then applies environment overrides
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.UserID = getEnv("USER_ID", c.UserID)

	c.API.BaseURL = getEnv("API_BASE_URL", c.API.BaseURL)
	c.API.Token = getEnv("API_TOKEN", c.API.Token)
	c.API.Timeout = getEnvAsDuration("API_TIMEOUT", c.API.Timeout)

	c.Push.Transport = getEnv("PUSH_TRANSPORT", c.Push.Transport)
	c.Push.WSBaseURL = getEnv("WS_BASE_URL", c.Push.WSBaseURL)
	c.Push.WSPath = getEnv("WS_PATH", c.Push.WSPath)
	c.Push.NATSURL = getEnv("NATS_URL", c.Push.NATSURL)
	c.Push.NATSStream = getEnv("NATS_STREAM", c.Push.NATSStream)
	c.Push.NATSPrefix = getEnv("NATS_SUBJECT_PREFIX", c.Push.NATSPrefix)

	c.Backoff.Initial = getEnvAsDuration("BACKOFF_INITIAL", c.Backoff.Initial)
	c.Backoff.Max = getEnvAsDuration("BACKOFF_MAX", c.Backoff.Max)
	c.Backoff.MaxAttempts = getEnvAsInt("BACKOFF_MAX_ATTEMPTS", c.Backoff.MaxAttempts)

	c.Store.TickInterval = getEnvAsDuration("STORE_TICK_INTERVAL", c.Store.TickInterval)
	c.Store.ConfirmTimeout = getEnvAsDuration("STORE_CONFIRM_TIMEOUT", c.Store.ConfirmTimeout)
	c.Store.ErrorDismissDelay = getEnvAsDuration("STORE_ERROR_DISMISS_DELAY", c.Store.ErrorDismissDelay)
	c.Store.RecentBidLimit = getEnvAsInt("STORE_RECENT_BID_LIMIT", c.Store.RecentBidLimit)

	c.Sandbox.Port = getEnv("SANDBOX_PORT", c.Sandbox.Port)
	c.Sandbox.Increment = getEnv("SANDBOX_INCREMENT", c.Sandbox.Increment)
	c.Sandbox.SweepInterval = getEnvAsDuration("SANDBOX_SWEEP_INTERVAL", c.Sandbox.SweepInterval)
	c.Sandbox.NATSEnabled = getEnvAsBool("SANDBOX_NATS_ENABLED", c.Sandbox.NATSEnabled)
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Push.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown push transport %q", c.Push.Transport))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api base url is required"))
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, fmt.Errorf("invalid backoff %v..%v", c.Backoff.Initial, c.Backoff.Max))
	}
	if _, err := c.SandboxIncrement(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StoreConfig returns the liveview store settings for the configured user
func (c *Config) StoreConfig() liveview.Config {
	return liveview.Config{
		UserID:            c.UserID,
		TickInterval:      c.Store.TickInterval,
		ConfirmTimeout:    c.Store.ConfirmTimeout,
		ErrorDismissDelay: c.Store.ErrorDismissDelay,
		RecentBidLimit:    c.Store.RecentBidLimit,
	}
}

// WebSocketConfig returns the websocket push settings
func (c *Config) WebSocketConfig() push.WebSocketConfig {
	ws := push.DefaultWebSocketConfig()
	ws.BaseURL = c.Push.WSBaseURL
	if c.Push.WSPath != "" {
		ws.Path = c.Push.WSPath
	}
	ws.UserID = c.UserID
	ws.Token = c.API.Token
	ws.Backoff = c.Backoff
	return ws
}

// NATSConfig returns the JetStream push settings
func (c *Config) NATSConfig() push.NATSConfig {
	nc := push.DefaultNATSConfig()
	nc.URL = c.Push.NATSURL
	nc.StreamName = c.Push.NATSStream
	if c.Push.NATSPrefix != "" {
		nc.SubjectPrefix = c.Push.NATSPrefix
	}
	nc.Token = c.API.Token
	nc.Backoff = c.Backoff
	return nc
}

// SandboxIncrement parses the minimum raise of the sandbox book
func (c *Config) SandboxIncrement() (decimal.Decimal, error) {
	inc, err := decimal.NewFromString(c.Sandbox.Increment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid sandbox increment %q: %w", c.Sandbox.Increment, err)
	}
	if !inc.IsPositive() {
		return decimal.Zero, fmt.Errorf("sandbox increment must be positive, got %s", inc)
	}
	return inc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
