// Package config loads server settings from an optional YAML file and
// TASKROOM_* environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Rooms struct {
		Shards       int           `mapstructure:"shards"`
		IdleTTL      time.Duration `mapstructure:"idle_ttl"`
		ReapInterval time.Duration `mapstructure:"reap_interval"`
		EnforceLocks bool          `mapstructure:"enforce_locks"`
		JoinHistory  int           `mapstructure:"join_history"`
	} `mapstructure:"rooms"`
	Snapshot struct {
		Interval            time.Duration `mapstructure:"interval"`
		CheckpointThreshold uint64        `mapstructure:"checkpoint_threshold"`
		KeepAutoCheckpoints int           `mapstructure:"keep_auto_checkpoints"`
	} `mapstructure:"snapshot"`
	RateLimit struct {
		PerSecond float64 `mapstructure:"per_second"`
		Burst     int     `mapstructure:"burst"`
		// HTTPPerSecond limits API calls per client address.
		HTTPPerSecond float64 `mapstructure:"http_per_second"`
		HTTPBurst     int     `mapstructure:"http_burst"`
	} `mapstructure:"ratelimit"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		Workers   int      `mapstructure:"workers"`
		QueueSize int      `mapstructure:"queue_size"`
		MaxRetry  int      `mapstructure:"max_retry"`
	} `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "./data/taskroom.db")
	v.SetDefault("rooms.shards", 4)
	v.SetDefault("rooms.idle_ttl", 10*time.Minute)
	v.SetDefault("rooms.reap_interval", time.Minute)
	v.SetDefault("rooms.enforce_locks", false)
	v.SetDefault("rooms.join_history", 20)
	v.SetDefault("snapshot.interval", 30*time.Second)
	v.SetDefault("snapshot.checkpoint_threshold", 100)
	v.SetDefault("snapshot.keep_auto_checkpoints", 10)
	v.SetDefault("ratelimit.per_second", 100.0)
	v.SetDefault("ratelimit.burst", 200)
	v.SetDefault("ratelimit.http_per_second", 20.0)
	v.SetDefault("ratelimit.http_burst", 40)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", 2*time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "taskroom.operations")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.max_retry", 3)
}

// Load reads taskroom.yaml from ./config or the working directory when
// present. Environment variables such as TASKROOM_SERVER_PORT override
// file values.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("taskroom")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	return load(v, false)
}

// LoadFile reads settings from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, true)
}

func load(v *viper.Viper, required bool) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("TASKROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if required || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
