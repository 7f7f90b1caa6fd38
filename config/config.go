package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string

	// External backend API (chat persistence, session status, billing).
	APIBaseURL   string
	APIAuthToken string
	APITimeout   time.Duration

	// Signaling behavior.
	ICEBufferCap int
	DedupWindow  time.Duration
	GraceWindow  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration

	// Media uploads.
	UploadDir     string
	MaxUploadSize int64

	Redis RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Load reads configuration from the environment with sane defaults.
func Load() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "")
	v.SetDefault("api_base_url", "http://localhost:8000")
	v.SetDefault("api_auth_token", "")
	v.SetDefault("api_timeout", "10s")
	v.SetDefault("ice_buffer_cap", 50)
	v.SetDefault("dedup_window", "5m")
	v.SetDefault("grace_window", "30s")
	v.SetDefault("ping_interval", "54s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("upload_dir", "./storage/webrtc-uploads")
	v.SetDefault("max_upload_size", int64(50*1024*1024))
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	var origins []string
	if raw := v.GetString("allowed_origins"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return &Config{
		Port:           v.GetString("port"),
		Environment:    v.GetString("environment"),
		AllowedOrigins: origins,
		APIBaseURL:     strings.TrimRight(v.GetString("api_base_url"), "/"),
		APIAuthToken:   v.GetString("api_auth_token"),
		APITimeout:     v.GetDuration("api_timeout"),
		ICEBufferCap:   v.GetInt("ice_buffer_cap"),
		DedupWindow:    v.GetDuration("dedup_window"),
		GraceWindow:    v.GetDuration("grace_window"),
		PingInterval:   v.GetDuration("ping_interval"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		UploadDir:      v.GetString("upload_dir"),
		MaxUploadSize:  v.GetInt64("max_upload_size"),
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}
}
