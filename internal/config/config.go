package config

import (
	"encoding/base64"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for an ISS ordering node.
type Config struct {
	Peers    PeersConfig    `json:"peers"`
	GRPC     GRPCConfig     `json:"grpc"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	NATS     NATSConfig     `json:"nats"`
	Metrics  MetricsConfig  `json:"metrics"`
	Segment  SegmentConfig  `json:"segment"`
	CatchUp  CatchUpConfig  `json:"catch_up"`
	Logging  LoggingConfig  `json:"logging"`
}

// PeersConfig bootstraps the genesis topology: this node's own identity,
// the address book for every peer, and the Ed25519 key material needed to
// sign and verify PBFT messages among them.
type PeersConfig struct {
	Self       string            `json:"self"`
	Addresses  map[string]string `json:"addresses"`
	PublicKeys map[string][]byte `json:"public_keys"`
	PrivateKey []byte            `json:"-"`
}

// GRPCConfig configures the node's peer-to-peer transport listener.
type GRPCConfig struct {
	Port                  int           `json:"port"`
	Host                  string        `json:"host"`
	MaxConnectionIdle     time.Duration `json:"max_connection_idle"`
	MaxConnectionAge      time.Duration `json:"max_connection_age"`
	MaxConnectionAgeGrace time.Duration `json:"max_connection_age_grace"`
	KeepaliveTime         time.Duration `json:"keepalive_time"`
	KeepaliveTimeout      time.Duration `json:"keepalive_timeout"`
}

// DatabaseConfig points at the Postgres-backed epoch store.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis connection settings. They are loaded with the
// rest of Config, but no component reads them: the catch-up detector keeps
// its peer-epoch observations in memory.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NATSConfig holds a NATS URL. It is loaded with the rest of Config, but
// no component reads it; the gRPC transport is the only Network.
type NATSConfig struct {
	URL string `json:"url"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// SegmentConfig configures the PBFT view-change timeout policy shared by
// every segment a node runs.
type SegmentConfig struct {
	InitialViewTimeout time.Duration `json:"initial_view_timeout"`
}

// CatchUpConfig configures the catch-up detector's sensitivity and its
// request throttling.
type CatchUpConfig struct {
	ThresholdEpochs   uint64  `json:"threshold_epochs"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Peers: PeersConfig{
			Self:       getEnv("ISS_SELF", ""),
			Addresses:  parsePeerAddresses(getEnv("ISS_PEERS", "")),
			PublicKeys: parsePeerKeys(getEnv("ISS_PEER_KEYS", "")),
			PrivateKey: parsePrivateKey(getEnv("ISS_PRIVATE_KEY", "")),
		},
		GRPC: GRPCConfig{
			Port:                  getEnvInt("ISS_GRPC_PORT", 9090),
			Host:                  getEnv("ISS_GRPC_HOST", "0.0.0.0"),
			MaxConnectionIdle:     time.Duration(getEnvInt("ISS_GRPC_MAX_CONN_IDLE_SECONDS", 300)) * time.Second,
			MaxConnectionAge:      time.Duration(getEnvInt("ISS_GRPC_MAX_CONN_AGE_SECONDS", 3600)) * time.Second,
			MaxConnectionAgeGrace: time.Duration(getEnvInt("ISS_GRPC_MAX_CONN_AGE_GRACE_SECONDS", 30)) * time.Second,
			KeepaliveTime:         time.Duration(getEnvInt("ISS_GRPC_KEEPALIVE_TIME_SECONDS", 30)) * time.Second,
			KeepaliveTimeout:      time.Duration(getEnvInt("ISS_GRPC_KEEPALIVE_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     getEnv("ISS_DB_HOST", "localhost"),
			Port:     getEnvInt("ISS_DB_PORT", 5432),
			User:     getEnv("ISS_DB_USER", "postgres"),
			Password: getEnv("ISS_DB_PASSWORD", "password"),
			DBName:   getEnv("ISS_DB_NAME", "issordering"),
			SSLMode:  getEnv("ISS_DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("ISS_REDIS_HOST", "localhost"),
			Port:     getEnvInt("ISS_REDIS_PORT", 6379),
			Password: getEnv("ISS_REDIS_PASSWORD", ""),
			DB:       getEnvInt("ISS_REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("ISS_NATS_URL", "nats://localhost:4222"),
		},
		Metrics: MetricsConfig{
			Port: getEnvInt("ISS_METRICS_PORT", 2112),
			Path: getEnv("ISS_METRICS_PATH", "/metrics"),
		},
		Segment: SegmentConfig{
			InitialViewTimeout: time.Duration(getEnvInt("ISS_INITIAL_VIEW_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		CatchUp: CatchUpConfig{
			ThresholdEpochs:   uint64(getEnvInt("ISS_CATCH_UP_THRESHOLD_EPOCHS", 2)),
			RequestsPerSecond: getEnvFloat("ISS_CATCH_UP_REQUESTS_PER_SECOND", 1.0),
			Burst:             getEnvInt("ISS_CATCH_UP_BURST", 3),
		},
		Logging: LoggingConfig{
			Level: getEnv("ISS_LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// parsePeerAddresses reads a comma-separated "id@host:port" list, the
// bootstrap form of ISS_PEERS, e.g. "a@10.0.0.1:9090,b@10.0.0.2:9090".
func parsePeerAddresses(raw string) map[string]string {
	addrs := make(map[string]string)
	if raw == "" {
		return addrs
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			continue
		}
		addrs[parts[0]] = parts[1]
	}
	return addrs
}

// parsePeerKeys reads a comma-separated "id@base64key" list, the
// bootstrap form of ISS_PEER_KEYS, mirroring ISS_PEERS' shape.
func parsePeerKeys(raw string) map[string][]byte {
	keys := make(map[string][]byte)
	if raw == "" {
		return keys
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			continue
		}
		keys[parts[0]] = decoded
	}
	return keys
}

func parsePrivateKey(raw string) []byte {
	if raw == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	return decoded
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
