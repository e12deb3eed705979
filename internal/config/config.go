// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/LuaanNguyen/PhoenixProject/internal/auth"
)

type Config struct {
	Feed struct {
		URL                  string        `mapstructure:"url"`
		MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
		ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
		ThrottleInterval     time.Duration `mapstructure:"throttle_interval"`
		Autostart            bool          `mapstructure:"autostart"`
	} `mapstructure:"feed"`
	Store struct {
		MaxPoints         int `mapstructure:"max_points"`
		TimeWindowMinutes int `mapstructure:"time_window_minutes"`
	} `mapstructure:"store"`
	Server struct {
		APIPort        int      `mapstructure:"api_port"`
		MockPort       int      `mapstructure:"mock_port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Mock struct {
		UpdateInterval    time.Duration `mapstructure:"update_interval"`
		FireCheckInterval time.Duration `mapstructure:"fire_check_interval"`
		FireProbability   float64       `mapstructure:"fire_probability"`
		InitialBatch      int           `mapstructure:"initial_batch"`
		UpdateBatch       int           `mapstructure:"update_batch"`
		MaxSteps          int           `mapstructure:"max_steps"`
		Seed              int64         `mapstructure:"seed"`
	} `mapstructure:"mock"`
	Anomaly struct {
		Rules         map[string]Rule `mapstructure:"rules"`
		AlertCooldown time.Duration   `mapstructure:"alert_cooldown"`
	} `mapstructure:"anomaly"`
	Auth    auth.Config `mapstructure:"auth"`
	Archive Archive     `mapstructure:"archive"`
}

type Rule struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Archive configures the optional InfluxDB sink. It is off when InfluxURL is empty.
type Archive struct {
	InfluxURL    string `mapstructure:"influx_url"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
	QueueSize    int    `mapstructure:"queue_size"`
}

func (a Archive) Enabled() bool { return a.InfluxURL != "" }

// Load reads config.yaml from dir, then .env, then PHOENIX_* environment
// variables. A missing file is not an error; defaults fill every gap.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
		log.Printf("Loaded environment from %s", filepath.Join(dir, ".env"))
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("PHOENIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		log.Printf("No config file in %s, using defaults", dir)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Feed.URL == "" {
		return errors.New("feed.url must be set")
	}
	for name, r := range c.Anomaly.Rules {
		if r.Min > r.Max {
			return fmt.Errorf("anomaly rule %s: min %.2f above max %.2f", name, r.Min, r.Max)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.url", "ws://localhost:8787/ws")
	v.SetDefault("feed.max_reconnect_attempts", 5)
	v.SetDefault("feed.reconnect_delay", "2s")
	v.SetDefault("feed.throttle_interval", "100ms")
	v.SetDefault("feed.autostart", true)

	v.SetDefault("store.max_points", 3000)
	v.SetDefault("store.time_window_minutes", 10)

	v.SetDefault("server.api_port", 8081)
	v.SetDefault("server.mock_port", 8787)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("mock.update_interval", "5s")
	v.SetDefault("mock.fire_check_interval", "30s")
	v.SetDefault("mock.fire_probability", 0.1)
	v.SetDefault("mock.initial_batch", 8)
	v.SetDefault("mock.update_batch", 3)
	v.SetDefault("mock.max_steps", 0)
	v.SetDefault("mock.seed", 0)

	v.SetDefault("anomaly.rules", map[string]any{
		"pm25":        map[string]any{"min": 0, "max": 150},
		"temperature": map[string]any{"min": -30, "max": 60},
	})
	v.SetDefault("anomaly.alert_cooldown", "30s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60)
	v.SetDefault("auth.api_keys", []string{})

	v.SetDefault("archive.influx_url", "")
	v.SetDefault("archive.influx_token", "")
	v.SetDefault("archive.influx_org", "phoenix")
	v.SetDefault("archive.influx_bucket", "sensors")
	v.SetDefault("archive.queue_size", 256)
}
