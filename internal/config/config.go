package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env   string      `yaml:"env" env:"APP_ENV" env-default:"local"`
	HTTP  HTTPConfig  `yaml:"http"`
	Redis RedisConfig `yaml:"redis"`
	Push  PushConfig  `yaml:"push"`
	Calls CallsConfig `yaml:"calls"`
}

type HTTPConfig struct {
	Address string `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
}

type RedisConfig struct {
	// Addr empty means the in-memory store: fine for a single node, loses
	// pending calls and balances on restart.
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:""`
}

type PushConfig struct {
	// WebhookURL empty disables offline push.
	WebhookURL string `yaml:"webhook_url" env:"PUSH_WEBHOOK_URL" env-default:""`
}

type CallsConfig struct {
	PendingTTL time.Duration `yaml:"pending_ttl" env:"PENDING_CALL_TTL" env-default:"2m"`
}

func MustLoad() *Config {
	return mustLoadPath(fetchConfigPath())
}

func mustLoadPath(configPath string) *Config {
	var cfg Config

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
				panic("cannot read config: " + err.Error())
			}
			return &cfg
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		panic("cannot read config from env: " + err.Error())
	}
	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
