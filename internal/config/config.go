package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

type Config struct {
	ServerAddress  string        `yaml:"server_address"`
	Store          string        `yaml:"store"`
	DatabaseURL    string        `yaml:"database_url"`
	MongoURI       string        `yaml:"mongo_uri"`
	MongoDatabase  string        `yaml:"mongo_database"`
	JWTSecret      string        `yaml:"jwt_secret"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	LogLevel       string        `yaml:"log_level"`
	OpTimeout      time.Duration `yaml:"op_timeout"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise. The SQLite file lives under ./data.
func Default() *Config {
	return &Config{
		ServerAddress:  ":8080",
		Store:          StoreSQLite,
		DatabaseURL:    "sqlite://" + filepath.Join("data", "tawk.db"),
		MongoURI:       "mongodb://localhost:27017",
		MongoDatabase:  "tawk",
		JWTSecret:      "change-me",
		AllowedOrigins: []string{"http://localhost:3000"},
		LogLevel:       "info",
		OpTimeout:      10 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.Store = getEnv("STORE", c.Store)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.MongoURI = getEnv("MONGO_URI", c.MongoURI)
	c.MongoDatabase = getEnv("MONGO_DATABASE", c.MongoDatabase)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	if origins, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(origins)
	}
	if timeout, ok := os.LookupEnv("OP_TIMEOUT"); ok {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return errors.Wrap(err, "OP_TIMEOUT")
		}
		c.OpTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required for the sqlite store")
		}
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("mongo_uri and mongo_database are required for the mongo store")
		}
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret must not be empty")
	}
	if c.OpTimeout <= 0 {
		return errors.New("op_timeout must be positive")
	}
	return nil
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		if cwd, err := os.Getwd(); err == nil {
			dbPath = filepath.Join(cwd, dbPath)
		}
	}
	return filepath.Clean(dbPath)
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

// OriginAllowed reports whether a browser origin may open a session.
// An empty origin (non-browser client) is always allowed.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
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

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
