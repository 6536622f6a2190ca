package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"campuslink-backend/pkg/env"
)

// Config holds all configuration for the rtc service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	MinIO     MinIOConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Presence  PresenceConfig
	RTC       RTCConfig
	ICE       ICEConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds PostgreSQL configuration (user directory, call history)
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
}

// DSN returns the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode, d.MaxConns)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// Addr returns the Redis address
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CassandraConfig holds Cassandra configuration (call transition event log)
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// Enabled reports whether a Cassandra cluster is configured at all
func (c CassandraConfig) Enabled() bool {
	return len(c.Hosts) > 0 && c.Hosts[0] != ""
}

// MinIOConfig holds MinIO configuration (avatar objects)
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Enabled reports whether avatar object storage is configured
func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != ""
}

// JWTConfig holds JWT validation configuration
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	Origins []string
}

// PresenceConfig holds presence timing knobs
type PresenceConfig struct {
	// HeartbeatInterval is how often an active session refreshes its
	// presence record.
	HeartbeatInterval time.Duration
}

// RTCConfig holds call behavior flags
type RTCConfig struct {
	// AutoAccept answers incoming calls without waiting for the callee,
	// used by kiosk-style deployments and tests.
	AutoAccept bool
	// RingingIndex provisions the cross-conversation ringing index.
	// Disabling it forces every session onto per-conversation watchers.
	RingingIndex bool
}

// ICEConfig holds the ICE/relay servers handed to peer connections
type ICEConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// defaultICEURLs is used when no ICE servers are configured
var defaultICEURLs = []string{"stun:stun.l.google.com:19302"}

// ParseICEURLs accepts either a comma-separated list or a JSON string array
// of ICE server URLs. An empty value yields the public STUN fallback.
func ParseICEURLs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return append([]string(nil), defaultICEURLs...)
	}

	if strings.HasPrefix(raw, "[") {
		var urls []string
		if err := json.Unmarshal([]byte(raw), &urls); err == nil {
			if cleaned := cleanURLs(urls); len(cleaned) > 0 {
				return cleaned
			}
		}
		// Malformed or empty JSON yields the fallback rather than
		// treating bracket characters as URLs
		return append([]string(nil), defaultICEURLs...)
	}

	if cleaned := cleanURLs(strings.Split(raw, ",")); len(cleaned) > 0 {
		return cleaned
	}
	return append([]string(nil), defaultICEURLs...)
}

func cleanURLs(urls []string) []string {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	return cleaned
}

// Load reads configuration from the environment
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        env.GetInt("APP_PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "rtc-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 5432),
			User:     env.GetString("DB_USER", "campuslink"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "campuslink"),
			SSLMode:  env.GetString("DB_SSLMODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:    cleanURLs(strings.Split(env.GetString("CASSANDRA_HOSTS", ""), ",")),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "campuslink"),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 10*time.Second),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", ""),
			AccessKey: env.GetString("MINIO_ACCESS_KEY", ""),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", ""),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "campuslink-avatars"),
		},
		JWT: JWTConfig{
			Secret: env.GetStringFromFile("JWT_SECRET", ""),
			Expiry: env.GetDuration("JWT_EXPIRY", 24*time.Hour),
		},
		CORS: CORSConfig{
			Origins: cleanURLs(strings.Split(env.GetString("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ",")),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: env.GetDuration("PRESENCE_HEARTBEAT_INTERVAL", 45*time.Second),
		},
		RTC: RTCConfig{
			AutoAccept:   env.GetBool("RTC_AUTO_ACCEPT", false),
			RingingIndex: env.GetBool("RTC_RINGING_INDEX", true),
		},
		ICE: ICEConfig{
			URLs:       ParseICEURLs(env.GetString("RTC_ICE_URLS", "")),
			Username:   env.GetString("RTC_ICE_USERNAME", ""),
			Credential: env.GetStringFromFile("RTC_ICE_CREDENTIAL", ""),
		},
	}
}
