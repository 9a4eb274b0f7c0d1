package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env              string `yaml:"env" env:"ENV" env-default:"local"`
	HTTPServerConfig `yaml:"http_server"`
	PostgresConfig   `yaml:"postgres"`
	VCSConfig        `yaml:"vcs"`
	HooksConfig      `yaml:"hooks"`
	MergeConfig      `yaml:"merge"`
	MigrationsPath   string `yaml:"migrations_path" env-default:"file://./migrations"`
}

type HTTPServerConfig struct {
	Host        string        `yaml:"host" env-default:"localhost"`
	Port        int           `yaml:"port" env-default:"8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
	AdminToken  string        `yaml:"admin_token" env-required:"true"`
}

type PostgresConfig struct {
	Host     string `yaml:"host" env-default:"localhost"`
	Port     int    `yaml:"port" env-default:"5432"`
	User     string `yaml:"user" env-required:"true"`
	Password string `yaml:"password" env-required:"true"`
	DBName   string `yaml:"dbname" env-required:"true"`
	SSLMode  string `yaml:"ssl_mode" env-default:"disable"`
}

// VCSConfig points at the backend service executing repository operations.
type VCSConfig struct {
	URL     string        `yaml:"url" env:"VCS_URL" env-default:"http://localhost:9900"`
	Timeout time.Duration `yaml:"timeout" env-default:"300s"`
}

// HooksConfig controls the callback daemon spawned around backend writes.
type HooksConfig struct {
	Host           string `yaml:"host" env-default:"127.0.0.1"`
	UseDirectCalls bool   `yaml:"use_direct_calls" env-default:"false"`
	CacheDir       string `yaml:"cache_dir" env:"CACHE_DIR" env-default:"/tmp/raven-cache"`
}

// MergeConfig holds the server level merge policies.
type MergeConfig struct {
	MessageTemplate string `yaml:"message_template"`
	UserNameAttr    string `yaml:"user_name_attr" env:"RC_MERGE_USER_NAME_ATTR"`
	UseRebase       bool   `yaml:"use_rebase" env-default:"false"`
	CloseBranch     bool   `yaml:"close_branch" env-default:"false"`
}

func Load() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file doesn't exist: %s", configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}

	return &cfg
}
