// Package config loads restodb settings from a YAML file, a .env file and
// RESTODB_* environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// Backend names.
const (
	BackendGitHub  = "github"
	BackendMongoDB = "mongodb"
	BackendMemory  = "memory"
)

// Config holds all configuration for the store and its auth layer.
type Config struct {
	Backend   string        `mapstructure:"backend"`
	GitHub    GitHubConfig  `mapstructure:"github"`
	Mongo     MongoConfig   `mapstructure:"mongo"`
	DataPath  string        `mapstructure:"data_path"`
	MediaPath string        `mapstructure:"media_path"`
	Cache     CacheConfig   `mapstructure:"cache"`
	Session   SessionConfig `mapstructure:"session"`
	Redis     RedisConfig   `mapstructure:"redis"`
	Auth      AuthConfig    `mapstructure:"auth"`
	HTTP      HTTPConfig    `mapstructure:"http"`

	// ConflictRetries is how many times a mutation re-reads after a stale
	// revision before giving up.
	ConflictRetries int `mapstructure:"conflict_retries"`

	// Media and Email are passed through to the upload and notification
	// collaborators; the store itself never reads them.
	Media MediaConfig `mapstructure:"media"`
	Email EmailConfig `mapstructure:"email"`

	Schemas    map[string]*domain.Schema `mapstructure:"schemas"`
	SchemaFile string                    `mapstructure:"schema_file"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
	LogFile   string `mapstructure:"log_file"`
}

type GitHubConfig struct {
	Owner      string        `mapstructure:"owner"`
	Repo       string        `mapstructure:"repo"`
	Token      string        `mapstructure:"token"`
	Branch     string        `mapstructure:"branch"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Backend string        `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type AuthConfig struct {
	RequireEmailVerification bool          `mapstructure:"require_email_verification"`
	OTPActions               []string      `mapstructure:"otp_actions"`
	OTPTTL                   time.Duration `mapstructure:"otp_ttl"`
	OTPDigits                int           `mapstructure:"otp_digits"`
	OTPMaxAttempts           int           `mapstructure:"otp_max_attempts"`
	DefaultRole              string        `mapstructure:"default_role"`
	BcryptCost               int           `mapstructure:"bcrypt_cost"`
}

// OTPRequired reports whether action triggers a one-time code challenge.
func (a AuthConfig) OTPRequired(action domain.OTPPurpose) bool {
	for _, s := range a.OTPActions {
		if strings.EqualFold(s, string(action)) {
			return true
		}
	}
	return false
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MediaConfig struct {
	Provider  string `mapstructure:"provider"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PublicURL string `mapstructure:"public_url"`
}

type EmailConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Sender   string `mapstructure:"sender"`
	APIKey   string `mapstructure:"api_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendGitHub)
	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.branch", "main")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.timeout", 10*time.Second)
	v.SetDefault("github.max_retries", 4)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "restodb")
	v.SetDefault("mongo.collection", "blobs")
	v.SetDefault("data_path", "data")
	v.SetDefault("media_path", "media")
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("session.ttl", 720*time.Hour)
	v.SetDefault("session.backend", "memory")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "restodb")
	v.SetDefault("auth.require_email_verification", false)
	v.SetDefault("auth.otp_actions", []string{})
	v.SetDefault("auth.otp_ttl", 10*time.Minute)
	v.SetDefault("auth.otp_digits", 6)
	v.SetDefault("auth.otp_max_attempts", 5)
	v.SetDefault("auth.default_role", domain.RoleStaff)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("conflict_retries", 3)
	v.SetDefault("media.provider", "")
	v.SetDefault("media.bucket", "")
	v.SetDefault("media.region", "")
	v.SetDefault("media.access_key", "")
	v.SetDefault("media.secret_key", "")
	v.SetDefault("media.public_url", "")
	v.SetDefault("email.endpoint", "")
	v.SetDefault("email.sender", "")
	v.SetDefault("email.api_key", "")
	v.SetDefault("schema_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("log_file", "")
}

// Load reads configuration. An explicit file must exist; otherwise
// restodb.yaml is searched in ".", "/etc/restodb/" and "$HOME/.restodb",
// and a missing file just means defaults plus environment.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, &serrors.ConfigurationError{Field: ".env", Reason: "cannot parse", Err: err}
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("restodb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/restodb/")
		v.AddConfigPath("$HOME/.restodb")
	}

	v.SetEnvPrefix("RESTODB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !stderrors.As(err, &notFound) {
			return nil, &serrors.ConfigurationError{Field: "config_file", Reason: "error reading config file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &serrors.ConfigurationError{Field: "config", Reason: "unable to decode config into struct", Err: err}
	}
	// env lists arrive as one comma separated string
	if len(cfg.Auth.OTPActions) == 1 && strings.Contains(cfg.Auth.OTPActions[0], ",") {
		cfg.Auth.OTPActions = strings.Split(cfg.Auth.OTPActions[0], ",")
	}
	for i, a := range cfg.Auth.OTPActions {
		cfg.Auth.OTPActions[i] = strings.ToLower(strings.TrimSpace(a))
	}

	// viper folds map keys to lower case; field names are case sensitive so
	// schemas are read from the file directly.
	if used := v.ConfigFileUsed(); used != "" {
		schemas, err := readSchemas(used)
		if err != nil {
			return nil, err
		}
		cfg.Schemas = schemas
	}

	return &cfg, nil
}

func readSchemas(path string) (map[string]*domain.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &serrors.ConfigurationError{Field: "schemas", Reason: "cannot read " + path, Err: err}
	}
	var doc struct {
		Schemas map[string]*domain.Schema `yaml:"schemas"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &serrors.ConfigurationError{Field: "schemas", Reason: "cannot parse " + path, Err: err}
	}
	return doc.Schemas, nil
}

// Validate reports the first missing or malformed setting as a
// ConfigurationError.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGitHub:
		switch {
		case c.GitHub.Owner == "":
			return serrors.NewMissingConfig("github.owner")
		case c.GitHub.Repo == "":
			return serrors.NewMissingConfig("github.repo")
		case c.GitHub.Token == "":
			return serrors.NewMissingConfig("github.token")
		}
	case BackendMongoDB:
		if c.Mongo.URI == "" {
			return serrors.NewMissingConfig("mongo.uri")
		}
		if c.Mongo.Database == "" {
			return serrors.NewMissingConfig("mongo.database")
		}
	case BackendMemory:
	default:
		return &serrors.ConfigurationError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", c.Backend)}
	}

	if c.DataPath == "" {
		return serrors.NewMissingConfig("data_path")
	}
	switch c.Session.Backend {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return serrors.NewMissingConfig("redis.addr")
		}
	default:
		return &serrors.ConfigurationError{Field: "session.backend", Reason: fmt.Sprintf("unknown session backend %q", c.Session.Backend)}
	}
	if c.ConflictRetries < 0 {
		return &serrors.ConfigurationError{Field: "conflict_retries", Reason: "must not be negative"}
	}
	for _, a := range c.Auth.OTPActions {
		switch domain.OTPPurpose(a) {
		case domain.OTPPurposeLogin, domain.OTPPurposeRegister:
		default:
			return &serrors.ConfigurationError{Field: "auth.otp_actions", Reason: fmt.Sprintf("unknown action %q", a)}
		}
	}
	for name, s := range c.Schemas {
		for field, kind := range s.Types {
			if !kind.Valid() {
				return &serrors.ConfigurationError{
					Field:  "schemas." + name + ".types." + field,
					Reason: fmt.Sprintf("unknown kind %q", kind),
				}
			}
		}
	}
	return nil
}
