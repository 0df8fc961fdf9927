package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/absfs/smbproxy"
	"github.com/absfs/smbproxy/connstore"
)

// Config is the smbproxy configuration, read from a YAML file and
// SMBPROXY_* environment variables.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`

	Store StoreConfig `mapstructure:"store"`

	Cache CacheConfig `mapstructure:"cache"`

	Reader ReaderConfig `mapstructure:"reader"`

	Mount MountConfig `mapstructure:"mount"`

	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// StoreConfig locates the connection store.
type StoreConfig struct {
	// Path of the YAML file holding the configured connections.
	Path string `mapstructure:"path" validate:"required"`

	// KeyFile holds the hex-encoded password sealing key. Empty stores
	// passwords in clear text.
	KeyFile string `mapstructure:"key_file"`
}

// CacheConfig bounds the repository caches. Zero means unbounded.
type CacheConfig struct {
	MaxSessions int `mapstructure:"max_sessions" validate:"gte=0"`
	MaxHandles  int `mapstructure:"max_handles" validate:"gte=0"`
	MaxMetadata int `mapstructure:"max_metadata" validate:"gte=0"`
}

// ReaderConfig tunes the per-descriptor background reader.
type ReaderConfig struct {
	ChunkSize int64 `mapstructure:"chunk_size" validate:"gt=0"`
	LookAhead int64 `mapstructure:"look_ahead" validate:"gtefield=ChunkSize"`
	Retain    int64 `mapstructure:"retain" validate:"gte=0"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	Mountpoint   string        `mapstructure:"mountpoint"`
	AllowOther   bool          `mapstructure:"allow_other"`
	EntryTimeout time.Duration `mapstructure:"entry_timeout" validate:"gte=0"`
	AttrTimeout  time.Duration `mapstructure:"attr_timeout" validate:"gte=0"`
	Debug        bool          `mapstructure:"debug"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

var validate = validator.New()

// flagKeys maps command-line flags onto configuration keys. A flag that was
// set overrides the file and the environment.
var flagKeys = map[string]string{
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"store":      "store.path",
	"key-file":   "store.key_file",
}

// LoadConfig reads the configuration file at path, or the default file
// when path is empty. A missing default file is not an error. flags may be
// nil.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	v.SetEnvPrefix("SMBPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("store.path", filepath.Join(configDir(), "connections.yaml"))
	v.SetDefault("store.key_file", "")
	v.SetDefault("reader.chunk_size", 64*1024)
	v.SetDefault("reader.look_ahead", 1024*1024)
	v.SetDefault("reader.retain", 64*1024)
	v.SetDefault("mount.mountpoint", "")
	v.SetDefault("mount.allow_other", false)
	v.SetDefault("mount.entry_timeout", time.Second)
	v.SetDefault("mount.attr_timeout", time.Second)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
}

// Validate checks struct tag constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	return nil
}

// RepositoryConfig converts the file configuration into repository options.
func (c *Config) RepositoryConfig() *smbproxy.Config {
	return &smbproxy.Config{
		Cache: smbproxy.CacheConfig{
			MaxSessions: c.Cache.MaxSessions,
			MaxHandles:  c.Cache.MaxHandles,
			MaxMetadata: c.Cache.MaxMetadata,
		},
		Reader: smbproxy.ReaderOptions{
			ChunkSize: int(c.Reader.ChunkSize),
			LookAhead: c.Reader.LookAhead,
			Retain:    c.Reader.Retain,
		},
	}
}

// OpenStore opens the connection store, loading the sealing key if one is
// configured.
func (c *Config) OpenStore() (*connstore.FileStore, error) {
	var key []byte
	if c.Store.KeyFile != "" {
		raw, err := os.ReadFile(c.Store.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		key, err = hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decoding key file %s: %w", c.Store.KeyFile, err)
		}
	}
	return connstore.NewFileStore(c.Store.Path, key)
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "smbproxy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "smbproxy")
}
