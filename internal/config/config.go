package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Inference struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"inference"`
	Ingest struct {
		Tick         time.Duration `mapstructure:"tick"`
		ChunkSize    int           `mapstructure:"chunk_size"`
		ChunkOverlap int           `mapstructure:"chunk_overlap"`
		Workers      int           `mapstructure:"workers"`
		Retention    time.Duration `mapstructure:"retention"`
	} `mapstructure:"ingest"`
	Sessions struct {
		IdleTTL time.Duration `mapstructure:"idle_ttl"`
	} `mapstructure:"sessions"`
	Auth struct {
		OktaDomain      string        `mapstructure:"okta_domain"`
		ClientID        string        `mapstructure:"client_id"`
		ClientSecret    string        `mapstructure:"client_secret"`
		RedirectURL     string        `mapstructure:"redirect_url"`
		SwaggerClientID string        `mapstructure:"swagger_client_id"`
		APIKeySecret    string        `mapstructure:"api_key_secret"`
		APIKeyTTL       time.Duration `mapstructure:"api_key_ttl"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Flows struct {
		TemplateFile string `mapstructure:"template_file"`
	} `mapstructure:"flows"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// ConnString returns the Postgres connection string for the db section.
func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	// chat replies stream for longer than a typical request
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "portal")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "portal")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("inference.url", "http://localhost:8000")
	v.SetDefault("inference.timeout", 60*time.Second)
	v.SetDefault("ingest.tick", 50*time.Millisecond)
	v.SetDefault("ingest.chunk_size", 800)
	v.SetDefault("ingest.chunk_overlap", 100)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.retention", time.Hour)
	v.SetDefault("sessions.idle_ttl", 2*time.Hour)
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")
	v.SetDefault("auth.api_key_secret", "")
	v.SetDefault("auth.api_key_ttl", 90*24*time.Hour)
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{})
	v.SetDefault("flows.template_file", "")
	v.SetDefault("log.level", "info")
}

// LoadConfig loads the configuration from an optional .env file, an optional
// config file and the environment. Environment variables use the MAAS_ prefix,
// e.g. MAAS_DB_HOST overrides db.host. An explicit configFile must exist; the
// default search for config.yaml in . and ./config may find nothing.
func LoadConfig(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MAAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.DB.Driver = strings.ToLower(strings.TrimSpace(config.DB.Driver))

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported db.driver %q (want memory or postgres)", c.DB.Driver)
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be positive")
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.Ingest.Retention <= 0 || c.Sessions.IdleTTL <= 0 {
		return fmt.Errorf("ingest.retention and sessions.idle_ttl must be positive")
	}
	return nil
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
