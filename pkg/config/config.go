package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type CanvasInstance struct {
	BaseURL      string `mapstructure:"BASE_URL"`
	ClientID     string `mapstructure:"CLIENT_ID"`
	ClientSecret string `mapstructure:"CLIENT_SECRET"`
}

type Database struct {
	Engine   string `mapstructure:"ENGINE"`
	Name     string `mapstructure:"NAME"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	Host     string `mapstructure:"HOST"`
	Port     string `mapstructure:"PORT"`
	SSLMode  string `mapstructure:"SSLMODE"`

	// SlowQuery is the duration above which statements are logged as slow.
	SlowQuery time.Duration `mapstructure:"SLOW_QUERY"`

	ConnectionPool struct {
		MaxIdleConns    int           `mapstructure:"MAX_IDLE_CONNS"`
		MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
		ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
		ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
	} `mapstructure:"CONNECTION_POOL"`
}

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`

	BaseDir         string `mapstructure:"BASE_DIR"`
	BaseURL         string `mapstructure:"BASE_URL"`
	TimeZone        string `mapstructure:"TIME_ZONE"`
	SecretKey       string `mapstructure:"SECRET_KEY"`
	MaxUploadSize   int64  `mapstructure:"MAX_UPLOAD_SIZE"`
	ContentTypes    string `mapstructure:"CONTENT_TYPES"`
	PluginDirectory string `mapstructure:"PLUGIN_DIRECTORY"`
	EmailOverride   string `mapstructure:"EMAIL_OVERRIDE_FROM"`
	HelpURL         string `mapstructure:"ONTASK_HELP_URL"`
	MaxLogListSize  int    `mapstructure:"MAX_LOG_LIST_SIZE"`

	ExecuteActionJSONTransfer bool          `mapstructure:"EXECUTE_ACTION_JSON_TRANSFER"`
	OutboundTimeout           time.Duration `mapstructure:"OUTBOUND_TIMEOUT"`
	WorkflowLockTTL           time.Duration `mapstructure:"WORKFLOW_LOCK_TTL"`

	Databases map[string]Database `mapstructure:"DATABASES"`

	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Email struct {
		Host     string `mapstructure:"HOST"`
		Port     int    `mapstructure:"PORT"`
		User     string `mapstructure:"USER"`
		Password string `mapstructure:"PASSWORD"`
		From     string `mapstructure:"FROM"`
		UseTLS   bool   `mapstructure:"USE_TLS"`
	} `mapstructure:"EMAIL"`
	Scheduler struct {
		Interval time.Duration `mapstructure:"INTERVAL"`
		LockTTL  time.Duration `mapstructure:"LOCK_TTL"`
	} `mapstructure:"SCHEDULER"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
	Tracking struct {
		TokenTTL time.Duration `mapstructure:"TOKEN_TTL"`
	} `mapstructure:"TRACKING"`
	Canvas struct {
		Instances map[string]CanvasInstance `mapstructure:"INSTANCES"`
	} `mapstructure:"CANVAS"`
	S3 struct {
		Endpoint string `mapstructure:"ENDPOINT"`
		Region   string `mapstructure:"REGION"`
		Secure   bool   `mapstructure:"SECURE"`
	} `mapstructure:"S3"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

// EnvFile, when set, is loaded with godotenv before viper reads the environment.
var EnvFile string

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "ontask")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("BASE_DIR", ".")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("TIME_ZONE", "UTC")
	v.SetDefault("MAX_UPLOAD_SIZE", 209715200)
	v.SetDefault("CONTENT_TYPES", `["text/csv", "application/json", "application/gzip", "application/x-gzip", "application/vnd.ms-excel", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "text/plain"]`)
	v.SetDefault("MAX_LOG_LIST_SIZE", 200)
	v.SetDefault("OUTBOUND_TIMEOUT", 30*time.Second)
	v.SetDefault("WORKFLOW_LOCK_TTL", 5*time.Minute)
	v.SetDefault("EXECUTE_ACTION_JSON_TRANSFER", false)
	v.SetDefault("DATABASES.default.ENGINE", "sqlite")
	v.SetDefault("DATABASES.default.NAME", "ontask.db")
	v.SetDefault("DATABASES.default.SLOW_QUERY", time.Second)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("EMAIL.PORT", 587)
	v.SetDefault("SCHEDULER.INTERVAL", time.Minute)
	v.SetDefault("SCHEDULER.LOCK_TTL", 30*time.Minute)
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("TRACKING.TOKEN_TTL", 365*24*time.Hour)
	v.SetDefault("S3.ENDPOINT", "s3.amazonaws.com")
	v.SetDefault("S3.SECURE", true)
}

// Load reads config.yaml from the working directory (or ./config) and overlays the environment.
// A missing config file is not an error.
func Load() (*Config, error) {
	if EnvFile != "" {
		if err := godotenv.Load(EnvFile); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadConfig() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}

// DefaultDatabase returns DATABASES.default.
func (c *Config) DefaultDatabase() Database {
	if c.Databases == nil {
		return Database{}
	}
	return c.Databases["default"]
}

// Location resolves TIME_ZONE, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		zap.L().Warn("unknown TIME_ZONE, using UTC", zap.String("time_zone", c.TimeZone), zap.Error(err))
		return time.UTC
	}
	return loc
}

// AllowedContentTypes decodes the JSON encoded CONTENT_TYPES list.
func (c *Config) AllowedContentTypes() []string {
	if strings.TrimSpace(c.ContentTypes) == "" {
		return nil
	}
	var types []string
	if err := json.Unmarshal([]byte(c.ContentTypes), &types); err != nil {
		zap.L().Warn("invalid CONTENT_TYPES", zap.Error(err))
		return nil
	}
	return types
}
