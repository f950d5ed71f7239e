package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Gateway  GatewayConfig
	Graph    GraphConfig
	Services ServicesConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port         string
	InternalPort string
	Env          string
	// NodeID names this gateway instance in session records and relay frames.
	NodeID       string
	CORSOrigin   string
	AdminKey     string
	ReadTimeout  time.Duration
}

type RedisConfig struct {
	Backend       string // redis | memory
	Host          string
	Port          int
	Password      string
	DB            int
	DialTimeout   time.Duration
	OpTimeout     time.Duration
	SessionExpiry time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
	Issuer       string
}

type GatewayConfig struct {
	AuthTimeout   time.Duration
	WriteWait     time.Duration
	PongWait      time.Duration
	SendBuffer    int
	MaxFrameBytes int64
	EventRate     float64
	EventBurst    int
	FanoutWorkers int
}

type GraphConfig struct {
	Source      string // redis | mysql
	CacheSize   int
	CacheTTL    time.Duration
	ReverseScan bool
}

// ServiceDefinition is a statically configured backend service.
type ServiceDefinition struct {
	Key         string                 `json:"key"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Enabled     bool                   `json:"enabled"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type ServicesConfig struct {
	Registry        map[string]ServiceDefinition
	RequireApproval bool
	MaxServices     int
	AllowedTypes    []string
	SessionExpiry   time.Duration
	IdleTimeout     time.Duration
}

type LogConfig struct {
	Level     string // stderr level
	Format    string // json | console
	Dir       string // empty disables file output
	FileLevel string
}

func defaultServices() map[string]ServiceDefinition {
	return map[string]ServiceDefinition{
		"demo": {
			Key:         "demo-service-secure-key-123",
			Type:        "demo_service",
			Description: "Demo service for testing internal service communication",
			Enabled:     true,
			Metadata: map[string]interface{}{
				"version":     "1.0.0",
				"environment": "development",
				"owner":       "demo-team",
			},
		},
	}
}

// Load reads configuration from the environment, falling back to defaults
// suitable for local development.
func Load() (*Config, error) {
	custom, err := parseCustomServices(os.Getenv("CUSTOM_SERVICES"))
	if err != nil {
		return nil, err
	}
	registry := defaultServices()
	for name, def := range custom {
		registry[name] = def
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvString("PORT", "3000"),
			InternalPort: getEnvString("INTERNAL_PORT", "4000"),
			Env:          getEnvString("NODE_ENV", "development"),
			NodeID:       getEnvString("NODE_ID", hostname()),
			CORSOrigin:   getEnvString("CORS_ORIGIN", "*"),
			AdminKey:     os.Getenv("ADMIN_KEY"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Backend:       getEnvString("STORE_BACKEND", "redis"),
			Host:          getEnvString("REDIS_HOST", "127.0.0.1"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      os.Getenv("REDIS_PASSWORD"),
			DB:            getEnvInt("REDIS_DB", 0),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 10*time.Second),
			OpTimeout:     getEnvDuration("STORE_OP_TIMEOUT", 2*time.Second),
			SessionExpiry: getEnvDuration("SESSION_EXPIRY", 24*time.Hour),
			IdleTimeout:   getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Minute),
		},
		Database: DatabaseConfig{
			DSN:             os.Getenv("DATABASE_DSN"),
			MaxIdleConns:    getEnvInt("DATABASE_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvInt("DATABASE_MAX_OPEN_CONNS", 50),
			ConnMaxLifetime: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),
		},
		JWT: JWTConfig{
			AccessSecret: getEnvString("JWT_SECRET", "change-me-in-production"),
			AccessExpiry: getEnvDuration("JWT_EXPIRES_IN", time.Hour),
			Issuer:       os.Getenv("JWT_ISSUER"),
		},
		Gateway: GatewayConfig{
			AuthTimeout:   getEnvDuration("AUTH_TIMEOUT", 10*time.Second),
			WriteWait:     getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
			PongWait:      getEnvDuration("WS_PONG_WAIT", 60*time.Second),
			SendBuffer:    getEnvInt("WS_SEND_BUFFER", 256),
			MaxFrameBytes: int64(getEnvInt("WS_MAX_FRAME_BYTES", 64*1024)),
			EventRate:     getEnvFloat("EVENT_RATE", 20),
			EventBurst:    getEnvInt("EVENT_BURST", 40),
			FanoutWorkers: getEnvInt("FANOUT_WORKERS", 16),
		},
		Graph: GraphConfig{
			Source:      getEnvString("GRAPH_SOURCE", "redis"),
			CacheSize:   getEnvInt("GRAPH_CACHE_SIZE", 10000),
			CacheTTL:    getEnvDuration("GRAPH_CACHE_TTL", 30*time.Second),
			ReverseScan: getEnvBool("GRAPH_REVERSE_SCAN", false),
		},
		Services: ServicesConfig{
			Registry:        registry,
			RequireApproval: getEnvBool("REQUIRE_SERVICE_APPROVAL", false),
			MaxServices:     getEnvInt("MAX_SERVICES", 50),
			AllowedTypes:    splitList(os.Getenv("ALLOWED_SERVICE_TYPES")),
			SessionExpiry:   getEnvDuration("SERVICE_SESSION_EXPIRY", time.Hour),
			IdleTimeout:     getEnvDuration("SERVICE_SESSION_IDLE_TIMEOUT", 5*time.Minute),
		},
		Log: LogConfig{
			Level:     getEnvString("LOG_LEVEL_CONSOLE", getEnvString("LOG_LEVEL", "info")),
			Format:    getEnvString("LOG_FORMAT", "json"),
			Dir:       os.Getenv("LOG_DIR"),
			FileLevel: getEnvString("LOG_LEVEL_FILE", "debug"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Redis.Backend != "redis" && c.Redis.Backend != "memory" {
		problems = append(problems, "STORE_BACKEND must be redis or memory")
	}
	if c.Graph.Source != "redis" && c.Graph.Source != "mysql" {
		problems = append(problems, "GRAPH_SOURCE must be redis or mysql")
	}
	if c.Graph.Source == "mysql" && c.Database.DSN == "" {
		problems = append(problems, "DATABASE_DSN is required when GRAPH_SOURCE=mysql")
	}
	if c.JWT.AccessSecret == "" {
		problems = append(problems, "JWT_SECRET must not be empty")
	}
	if c.Redis.SessionExpiry <= 0 || c.Redis.IdleTimeout <= 0 {
		problems = append(problems, "SESSION_EXPIRY and IDLE_TIMEOUT must be positive")
	}
	if c.Redis.OpTimeout <= 0 {
		problems = append(problems, "STORE_OP_TIMEOUT must be positive")
	}
	if c.Services.SessionExpiry <= 0 || c.Services.IdleTimeout <= 0 {
		problems = append(problems, "SERVICE_SESSION_EXPIRY and SERVICE_SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.Services.MaxServices < len(c.Services.Registry) {
		problems = append(problems, "MAX_SERVICES is lower than the number of configured services")
	}
	if c.Gateway.AuthTimeout <= 0 {
		problems = append(problems, "AUTH_TIMEOUT must be positive")
	}
	if c.Gateway.SendBuffer <= 0 {
		problems = append(problems, "WS_SEND_BUFFER must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func parseCustomServices(raw string) (map[string]ServiceDefinition, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse CUSTOM_SERVICES: %w", err)
	}
	out := make(map[string]ServiceDefinition, len(entries))
	for name, data := range entries {
		def := ServiceDefinition{Type: "service", Description: "Service: " + name, Enabled: true}
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse CUSTOM_SERVICES[%s]: %w", name, err)
		}
		if def.Key == "" {
			return nil, fmt.Errorf("CUSTOM_SERVICES[%s]: key is required", name)
		}
		if def.Metadata == nil {
			def.Metadata = map[string]interface{}{}
		}
		out[name] = def
	}
	return out, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "pulse"
	}
	return h
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvDuration accepts Go durations ("30m") and, for compatibility with the
// older deployment files, bare integers meaning seconds ("1800").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
