package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	StoreDriver           string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	MongoURI              string        `mapstructure:"MONGO_URI"`
	MongoDatabase         string        `mapstructure:"MONGO_DATABASE"`
	PatientServiceURL     string        `mapstructure:"PATIENT_SERVICE_URL"`
	PatientServiceTimeout time.Duration `mapstructure:"PATIENT_SERVICE_TIMEOUT"`
	PatientServiceToken   string        `mapstructure:"PATIENT_SERVICE_TOKEN"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	PatientCacheTTL       time.Duration `mapstructure:"PATIENT_CACHE_TTL"`
	JWTSecret             string        `mapstructure:"JWT_SECRET"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	BillMaxRetries        int           `mapstructure:"BILL_MAX_RETRIES"`
	CurrencyExponent      int32         `mapstructure:"CURRENCY_EXPONENT"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MONGO_URI", "MONGO_DATABASE",
	"PATIENT_SERVICE_URL", "PATIENT_SERVICE_TIMEOUT", "PATIENT_SERVICE_TOKEN",
	"REDIS_URL", "PATIENT_CACHE_TTL",
	"JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "BILL_MAX_RETRIES", "CURRENCY_EXPONENT", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate before starting the server.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "4400")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MONGO_DATABASE", "hms_billing")
	v.SetDefault("PATIENT_SERVICE_URL", "http://patient-service:4100")
	v.SetDefault("PATIENT_SERVICE_TIMEOUT", "5s")
	v.SetDefault("PATIENT_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BILL_MAX_RETRIES", 5)
	v.SetDefault("CURRENCY_EXPONENT", 2)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The slice decode hook splits on commas but keeps surrounding spaces.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
		if c.DBMaxConns < 1 {
			return fmt.Errorf("DB_MAX_CONNS must be >= 1, got %d", c.DBMaxConns)
		}
		if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER is %q", StoreMongo)
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("MONGO_DATABASE must not be empty")
		}
	case StoreMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_DRIVER %q is only allowed when ENV=development", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StorePostgres, StoreMongo, StoreMemory, c.StoreDriver)
	}

	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set outside development (current ENV=%q)", c.Env)
	}
	if c.PatientServiceURL == "" {
		return fmt.Errorf("PATIENT_SERVICE_URL is required")
	}
	if c.PatientServiceTimeout <= 0 {
		return fmt.Errorf("PATIENT_SERVICE_TIMEOUT must be positive, got %s", c.PatientServiceTimeout)
	}
	if c.RedisURL != "" && c.PatientCacheTTL <= 0 {
		return fmt.Errorf("PATIENT_CACHE_TTL must be positive when REDIS_URL is set, got %s", c.PatientCacheTTL)
	}
	if c.BillMaxRetries < 0 {
		return fmt.Errorf("BILL_MAX_RETRIES must be >= 0, got %d", c.BillMaxRetries)
	}
	if c.CurrencyExponent < 0 || c.CurrencyExponent > 6 {
		return fmt.Errorf("CURRENCY_EXPONENT must be between 0 and 6, got %d", c.CurrencyExponent)
	}
	return nil
}
