package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the ChatLink relay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server hosting the websocket endpoint.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// PresenceConfig controls session liveness tracking.
type PresenceConfig struct {
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
}

// DeliveryConfig controls the ack window and the optional redelivery
// simulation. Redelivery is a reliability-simulation knob, not a guarantee;
// the single-attempt ack/timeout/queue contract holds either way.
type DeliveryConfig struct {
	AckTimeout time.Duration  `mapstructure:"ack_timeout"`
	Redeliver  RedeliverKnobs `mapstructure:"redeliver"`
}

// RedeliverKnobs configures automatic redelivery of unacknowledged messages.
type RedeliverKnobs struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

// AuthConfig configures the token endpoint. The live message flow does not
// consult tokens; identities are client-generated.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles the metrics endpoint.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles the health endpoint.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CHATLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns the built-in defaults without touching files or the
// environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("presence.disconnect_grace", "30s")
	v.SetDefault("presence.sweep_interval", "60s")
	v.SetDefault("presence.stale_threshold", "120s")

	v.SetDefault("delivery.ack_timeout", "5s")
	v.SetDefault("delivery.redeliver.enabled", false)
	v.SetDefault("delivery.redeliver.max_attempts", 3)
	v.SetDefault("delivery.redeliver.interval", "5s")

	v.SetDefault("auth.jwt_issuer", "chatlink")
	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
