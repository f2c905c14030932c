package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Remote backends.
const (
	BackendWebsocket = "ws"
	BackendDynamoDB  = "dynamodb"
)

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	Remote         RemoteConfig   `toml:"remote"`
	DynamoDB       DynamoDBConfig `toml:"dynamodb"`
	Sync           SyncConfig     `toml:"sync"`
	Analysis       AnalysisConfig `toml:"analysis"`
	Log            LogConfig      `toml:"log"`
}

// RemoteConfig selects and reaches the remote store.
type RemoteConfig struct {
	Backend string `toml:"backend"`
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	// TokenParameter names an SSM parameter holding the token. It takes
	// precedence over Token.
	TokenParameter string `toml:"token_parameter"`
	Region         string `toml:"region"`
	// ProbeAddress ("host:port") is dialed to detect reachability when the
	// backend does not report it itself.
	ProbeAddress  string        `toml:"probe_address"`
	ProbeInterval time.Duration `toml:"probe_interval"`
}

// DynamoDBConfig configures the polling DynamoDB backend.
type DynamoDBConfig struct {
	Table        string        `toml:"table"`
	Region       string        `toml:"region"`
	PollInterval time.Duration `toml:"poll_interval"`
}

// SyncConfig tunes the conversation engine.
type SyncConfig struct {
	ReadReceiptWindow time.Duration `toml:"read_receipt_window"`
	OutboxMaxRetries  int           `toml:"outbox_max_retries"`
	// UserID is the signed-in user for backends that do not authenticate.
	UserID string `toml:"user_id"`
}

// AnalysisConfig points at the message analysis service. An empty URL
// disables it.
type AnalysisConfig struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
}

// LogConfig sets the daemon log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Remote: RemoteConfig{
			Backend:       BackendWebsocket,
			ProbeInterval: 5 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			PollInterval: 2 * time.Second,
		},
		Sync: SyncConfig{
			ReadReceiptWindow: 300 * time.Millisecond,
			OutboxMaxRetries:  3,
		},
		Analysis: AnalysisConfig{
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate reports the first setting the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendWebsocket:
		if c.Remote.URL == "" {
			return errors.New("remote.url is required for the ws backend")
		}
	case BackendDynamoDB:
		if c.DynamoDB.Table == "" {
			return errors.New("dynamodb.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown remote.backend %q (want %q or %q)", c.Remote.Backend, BackendWebsocket, BackendDynamoDB)
	}
	if c.Sync.OutboxMaxRetries < 0 {
		return fmt.Errorf("sync.outbox_max_retries must not be negative, got %d", c.Sync.OutboxMaxRetries)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
