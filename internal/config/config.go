package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// Storage drivers accepted by SEED_DB_DRIVER.
const (
	DriverMongo  = "mongo"
	DriverSQL    = "sql"
	DriverMemory = "memory"
)

// Sequence backends accepted by SEED_SEQUENCE_BACKEND.
const (
	SequenceStore = "store"
	SequenceRedis = "redis"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Seed      SeedConfig
	MongoDB   MongoDBConfig
	SQL       SQLConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	MinIO     MinIOConfig
	OTEL      OTELConfig
	CORS      CORSConfig
	Resources []ResourceConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type SeedConfig struct {
	DBDriver        string
	SequenceBackend string
	LogLevel        string
	LogFile         string
	ConfigFile      string
}

// MongoDBConfig mirrors the MONGO_* settings. When URI is set it wins over the
// discrete fields; Database is then taken from the URI path.
type MongoDBConfig struct {
	URI            string
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	AuthMechanism  string
	MaxPoolSize    uint64
	SocketTimeout  time.Duration
	ConnectTimeout time.Duration
	ReplicaSet     string
	ReadPreference string
	Timeout        time.Duration
}

type SQLConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port, or "" when Redis is not configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

type RateLimitConfig struct {
	Enabled       bool
	UseRedis      bool
	RPS           float64
	Burst         int
	WindowSeconds int
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

type CORSConfig struct {
	AllowedOrigins []string
}

// ResourceConfig declares one REST resource and its backing collection.
type ResourceConfig struct {
	Member      string        `mapstructure:"member"`
	Collection  string        `mapstructure:"collection"`
	Required    []string      `mapstructure:"required"`
	Other       []string      `mapstructure:"other"`
	Hidden      []string      `mapstructure:"hidden"`
	SerialField string        `mapstructure:"serial_field"`
	Sort        []string      `mapstructure:"sort"`
	Indexes     []IndexConfig `mapstructure:"indexes"`
}

type IndexConfig struct {
	Field              string `mapstructure:"field"`
	Unique             bool   `mapstructure:"unique"`
	ExpireAfterSeconds int32  `mapstructure:"expire_after_seconds"`
}

// LoadConfig loads configuration from environment variables, an optional
// .env file and the optional YAML file named by SEED_CONFIG.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "5000")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_ENVIRONMENT", "development")
	v.SetDefault("SEED_DB_DRIVER", DriverMongo)
	v.SetDefault("SEED_SEQUENCE_BACKEND", SequenceStore)
	v.SetDefault("SEED_LOG_LEVEL", "info")
	v.SetDefault("MONGO_HOST", "localhost")
	v.SetDefault("MONGO_PORT", 27017)
	v.SetDefault("MONGO_DBNAME", "seed")
	v.SetDefault("MONGO_AUTH_MECHANISM", "DEFAULT")
	v.SetDefault("MONGODB_TIMEOUT", 10)
	v.SetDefault("SQL_PATH", "seed.db")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("RATE_LIMIT_RPS", 10.0)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)
	v.SetDefault("MINIO_BUCKET", "seed")
	v.SetDefault("OTEL_SERVICE_NAME", "seed")
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	if path := v.GetString("SEED_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	port, err := cast.ToIntE(v.Get("MONGO_PORT"))
	if err != nil {
		return nil, fmt.Errorf("MONGO_PORT must be an integer: %w", err)
	}
	poolSize, err := cast.ToUint64E(v.Get("MONGO_MAX_POOL_SIZE"))
	if err != nil {
		return nil, fmt.Errorf("MONGO_MAX_POOL_SIZE must be an integer: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("SERVER_PORT"),
			Host:         v.GetString("SERVER_HOST"),
			Environment:  v.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Seed: SeedConfig{
			DBDriver:        strings.ToLower(v.GetString("SEED_DB_DRIVER")),
			SequenceBackend: strings.ToLower(v.GetString("SEED_SEQUENCE_BACKEND")),
			LogLevel:        v.GetString("SEED_LOG_LEVEL"),
			LogFile:         v.GetString("SEED_LOG_FILE"),
			ConfigFile:      v.GetString("SEED_CONFIG"),
		},
		MongoDB: MongoDBConfig{
			URI:            v.GetString("MONGO_URI"),
			Host:           v.GetString("MONGO_HOST"),
			Port:           port,
			Database:       v.GetString("MONGO_DBNAME"),
			Username:       v.GetString("MONGO_USERNAME"),
			Password:       v.GetString("MONGO_PASSWORD"),
			AuthMechanism:  v.GetString("MONGO_AUTH_MECHANISM"),
			MaxPoolSize:    poolSize,
			SocketTimeout:  time.Duration(v.GetInt("MONGO_SOCKET_TIMEOUT_MS")) * time.Millisecond,
			ConnectTimeout: time.Duration(v.GetInt("MONGO_CONNECT_TIMEOUT_MS")) * time.Millisecond,
			ReplicaSet:     v.GetString("MONGO_REPLICA_SET"),
			ReadPreference: v.GetString("MONGO_READ_PREFERENCE"),
			Timeout:        time.Duration(v.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		SQL: SQLConfig{
			Path: v.GetString("SQL_PATH"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			UseRedis:      v.GetBool("RATE_LIMIT_USE_REDIS"),
			RPS:           v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:         v.GetInt("RATE_LIMIT_BURST"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
		MinIO: MinIOConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
			Bucket:    v.GetString("MINIO_BUCKET"),
		},
		OTEL: OTELConfig{
			Enabled:     v.GetBool("OTEL_ENABLED"),
			Endpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure:    v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			ServiceName: v.GetString("OTEL_SERVICE_NAME"),
			SampleRatio: v.GetFloat64("OTEL_TRACES_SAMPLER_ARG"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
	}

	if err := v.UnmarshalKey("resources", &cfg.Resources); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Seed.DBDriver {
	case DriverMongo, DriverSQL, DriverMemory:
	default:
		return fmt.Errorf("%s is not a supported db driver", c.Seed.DBDriver)
	}
	switch c.Seed.SequenceBackend {
	case SequenceStore:
	case SequenceRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("SEED_SEQUENCE_BACKEND=redis requires REDIS_HOST")
		}
	default:
		return fmt.Errorf("%s is not a supported sequence backend", c.Seed.SequenceBackend)
	}

	m := &c.MongoDB
	if m.URI != "" {
		cs, err := connstring.ParseAndValidate(m.URI)
		if err != nil {
			return fmt.Errorf("parse MONGO_URI: %w", err)
		}
		if cs.Database == "" {
			return fmt.Errorf("MONGO_URI does not contain a database name")
		}
		m.Database = cs.Database
		m.Username = cs.Username
		m.Password = cs.Password
	}
	if (m.Username == "") != (m.Password == "") {
		return fmt.Errorf("must set both MONGO_USERNAME and MONGO_PASSWORD or neither")
	}

	for i, r := range c.Resources {
		if r.Member == "" {
			return fmt.Errorf("resources[%d]: member is required", i)
		}
		for _, idx := range r.Indexes {
			if idx.Field == "" {
				return fmt.Errorf("resources[%d] (%s): index field is required", i, r.Member)
			}
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
