package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the translation server. Values are
// read from the environment with an optional .env file for local development.
type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	APIKey      string   `mapstructure:"API_KEY"`
	JWTSecret   string   `mapstructure:"AUTH_JWT_SECRET"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DatabaseUser     string `mapstructure:"DATABASE_USER"`
	DatabasePassword string `mapstructure:"DATABASE_PASSWORD"`
	DatabaseEndpoint string `mapstructure:"DATABASE_ENDPOINT"`
	DatabaseName     string `mapstructure:"DATABASE_NAME"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32  `mapstructure:"DB_MIN_CONNS"`

	OMOPSchema        string `mapstructure:"OMOP_DATABASE_SCHEMA"`
	RelationshipTable string `mapstructure:"OMOP_RELATIONSHIP_TABLE"`

	VSACUsername    string        `mapstructure:"VSAC_USERNAME"`
	VSACPassword    string        `mapstructure:"VSAC_PASSWORD"`
	VSACBaseURL     string        `mapstructure:"VSAC_BASE_URL"`
	VSACCacheTTL    time.Duration `mapstructure:"VSAC_CACHE_TTL"`
	VSACConcurrency int           `mapstructure:"VSAC_CONCURRENCY"`

	LLMProvider  string  `mapstructure:"LLM_PROVIDER"`
	GeminiAPIKey string  `mapstructure:"GEMINI_API_KEY"`
	GeminiModel  string  `mapstructure:"GEMINI_MODEL"`
	LLMTemp      float64 `mapstructure:"LLM_TEMPERATURE"`

	SQLDialect string `mapstructure:"SQL_DIALECT"`

	LOINCUsername string `mapstructure:"LOINC_USERNAME"`
	LOINCPassword string `mapstructure:"LOINC_PASSWORD"`
}

// Dialects supported by the SQL generator.
var SupportedDialects = []string{"postgresql", "snowflake", "bigquery", "sqlserver"}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("OMOP_DATABASE_SCHEMA", "cdm")
	v.SetDefault("OMOP_RELATIONSHIP_TABLE", "concept_relationship")
	v.SetDefault("VSAC_BASE_URL", "https://vsac.nlm.nih.gov/vsac/svs")
	v.SetDefault("VSAC_CACHE_TTL", "1h")
	v.SetDefault("VSAC_CONCURRENCY", 3)
	v.SetDefault("LLM_PROVIDER", "gemini")
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")
	v.SetDefault("LLM_TEMPERATURE", 0.1)
	v.SetDefault("SQL_DIALECT", "postgresql")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "API_KEY", "AUTH_JWT_SECRET", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
		"DATABASE_URL", "DATABASE_USER", "DATABASE_PASSWORD",
		"DATABASE_ENDPOINT", "DATABASE_NAME", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"OMOP_DATABASE_SCHEMA", "OMOP_RELATIONSHIP_TABLE",
		"VSAC_USERNAME", "VSAC_PASSWORD", "VSAC_BASE_URL",
		"VSAC_CACHE_TTL", "VSAC_CONCURRENCY",
		"LLM_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL", "LLM_TEMPERATURE",
		"SQL_DIALECT", "LOINC_USERNAME", "LOINC_PASSWORD",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedDatabaseURL returns DATABASE_URL when set, otherwise composes a
// Postgres URL from the DATABASE_USER/PASSWORD/ENDPOINT/NAME parts. Returns
// an empty string when neither form is configured; the OMOP mapping tools
// report the missing variables instead of failing at startup.
func (c *Config) ResolvedDatabaseURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DatabaseEndpoint == "" || c.DatabaseName == "" {
		return ""
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   c.DatabaseEndpoint,
		Path:   "/" + c.DatabaseName,
	}
	if c.DatabaseUser != "" {
		u.User = url.UserPassword(c.DatabaseUser, c.DatabasePassword)
	}
	return u.String()
}

// HasVSACCredentials reports whether VSAC Basic auth is configured.
func (c *Config) HasVSACCredentials() bool {
	return c.VSACUsername != "" && c.VSACPassword != ""
}

// Validate checks that the configuration is safe to run. Production requires
// some form of request authentication so the translation endpoints are not
// left open; development mode runs without auth.
func (c *Config) Validate() error {
	if c.IsProduction() && c.APIKey == "" && c.JWTSecret == "" {
		return fmt.Errorf("API_KEY or AUTH_JWT_SECRET is required in production. " +
			"Refusing to start without authentication configuration")
	}

	valid := false
	for _, d := range SupportedDialects {
		if c.SQLDialect == d {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("SQL_DIALECT must be one of %s, got %q",
			strings.Join(SupportedDialects, ", "), c.SQLDialect)
	}

	if c.VSACConcurrency < 1 {
		return fmt.Errorf("VSAC_CONCURRENCY must be at least 1, got %d", c.VSACConcurrency)
	}

	if c.LLMProvider != "gemini" {
		return fmt.Errorf("LLM_PROVIDER %q is not supported, only \"gemini\" is available", c.LLMProvider)
	}

	return nil
}
