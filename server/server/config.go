package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// debugMode enables per-message logging. It can be flipped at runtime by
// editing the config file.
var debugMode atomic.Bool

func setDebug(on bool) {
	if debugMode.Swap(on) != on {
		log.Printf("Debug logging set to %v", on)
	}
}

// Config holds the server settings
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Store   StoreConfig   `mapstructure:"store"`
	Static  StaticConfig  `mapstructure:"static"`
	Capture CaptureConfig `mapstructure:"capture"`
	Debug   bool          `mapstructure:"debug"`
}

// SerialConfig describes the port the transceiver is attached to
type SerialConfig struct {
	Port      string `mapstructure:"port"`
	Baud      int    `mapstructure:"baud"`
	Reconnect bool   `mapstructure:"reconnect"`
}

// HTTPConfig configures the listener
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StoreConfig selects where remotes are persisted. Driver is "json" or "bolt".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// StaticConfig points at the web client
type StaticConfig struct {
	Dir string `mapstructure:"dir"`
}

// CaptureConfig bounds how long a capture request waits for a reading. The
// slot of a client that disconnects mid-capture stays taken until then so a
// late reading cannot reach the next client, which is why Timeout must be
// positive.
type CaptureConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.reconnect", true)
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("store.driver", storeDriverJSON)
	v.SetDefault("store.path", "ir_codes.json")
	v.SetDefault("static.dir", "public")
	v.SetDefault("capture.timeout", "30s")
	v.SetDefault("debug", false)
}

// LoadConfig reads configFile, or irmapper.yaml from the working directory
// or /etc/irmapper when configFile is empty. A missing default file is not
// an error. IRMAPPER_* environment variables override file values.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("irmapper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/irmapper")
	}
	v.SetEnvPrefix("IRMAPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		log.Printf("Using config file '%s'", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot fall back to a default
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return errors.New("serial port not specified")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Serial.Baud)
	}
	if c.HTTP.Addr == "" {
		return errors.New("http address not specified")
	}
	switch c.Store.Driver {
	case storeDriverJSON, storeDriverBolt:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return errors.New("store path not specified")
	}
	if c.Capture.Timeout <= 0 {
		return fmt.Errorf("capture timeout must be positive, got %s", c.Capture.Timeout)
	}
	return nil
}

// WatchConfig applies debug changes made to the config file while running
func WatchConfig(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if debugMode.Load() {
			log.Printf("Config file changed: %s", e.Name)
		}
		setDebug(v.GetBool("debug"))
	})
	v.WatchConfig()
}
