package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName               string
	AppEnv                string
	AppPort               string
	DatabaseURL           string
	RedisURL              string
	NATSURL               string
	JWTSecret             string
	RealtimeChannel       string
	NavigateDelay         time.Duration
	SessionEventBuffer    int
	ReadRetryAttempts     int
	ReadRetryInterval     time.Duration
	ScheduleTimezone      string
	ProfileCacheTTL       time.Duration
	GeocodeCacheTTL       time.Duration
	MessagesPerMinute     int
	NotificationKeepAlive time.Duration
	ScheduleLocation      *time.Location
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
// Keys map to RECYCLE_<SECTION>_<KEY>, e.g. RECYCLE_DATABASE_URL.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("RECYCLE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Recycle Exchange API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel", "recycle")
	v.SetDefault("session.navigate_delay", "2s")
	v.SetDefault("session.event_buffer", 64)
	v.SetDefault("read_retry.attempts", 3)
	v.SetDefault("read_retry.initial_interval", "200ms")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("profile.cache_ttl", "10m")
	v.SetDefault("geocode.cache_ttl", "24h")
	v.SetDefault("ratelimit.messages_per_minute", 30)
	v.SetDefault("notification.keepalive", "30s")

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		NATSURL:               v.GetString("nats.url"),
		JWTSecret:             v.GetString("jwt.secret"),
		RealtimeChannel:       v.GetString("realtime.channel"),
		NavigateDelay:         v.GetDuration("session.navigate_delay"),
		SessionEventBuffer:    v.GetInt("session.event_buffer"),
		ReadRetryAttempts:     v.GetInt("read_retry.attempts"),
		ReadRetryInterval:     v.GetDuration("read_retry.initial_interval"),
		ScheduleTimezone:      v.GetString("schedule.timezone"),
		ProfileCacheTTL:       v.GetDuration("profile.cache_ttl"),
		GeocodeCacheTTL:       v.GetDuration("geocode.cache_ttl"),
		MessagesPerMinute:     v.GetInt("ratelimit.messages_per_minute"),
		NotificationKeepAlive: v.GetDuration("notification.keepalive"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	location, err := time.LoadLocation(cfg.ScheduleTimezone)
	if err != nil {
		return Config{}, fmt.Errorf("invalid schedule timezone %q: %w", cfg.ScheduleTimezone, err)
	}
	cfg.ScheduleLocation = location

	if cfg.ReadRetryAttempts <= 0 {
		cfg.ReadRetryAttempts = 1
	}
	if cfg.SessionEventBuffer <= 0 {
		cfg.SessionEventBuffer = 64
	}

	return cfg, nil
}
