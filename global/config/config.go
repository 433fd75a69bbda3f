package config

import (
	"os"
	"strings"
	"time"

	"marketsync/service/nacos"
	"marketsync/tools/errs"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "MARKETSYNC_"

const (
	TransportWebsocket = "websocket"
	TransportNats      = "nats"
	TransportRedis     = "redis"
	TransportKafka     = "kafka"
)

type AppConfig struct {
	NodeID     int64  `yaml:"node_id" env:"NODE_ID"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
	Credential string `yaml:"credential" env:"CREDENTIAL"`
	Role       string `yaml:"role" env:"ROLE"` // buyer | seller; falls back to the credential's role claim

	// MetricsAddr serves /metrics and /healthz when set, e.g. ":9100".
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	Auth    AuthConfig    `yaml:"auth" envPrefix:"AUTH_"`
	Backend BackendConfig `yaml:"backend" envPrefix:"BACKEND_"`
	Channel ChannelConfig `yaml:"channel" envPrefix:"CHANNEL_"`
	Sync    SyncConfig    `yaml:"sync" envPrefix:"SYNC_"`
	Remote  RemoteConfig  `yaml:"remote" envPrefix:"REMOTE_"`
}

type AuthConfig struct {
	Secret string `yaml:"secret" env:"SECRET"` // empty: credential is decoded, not verified
	Alg    string `yaml:"alg" env:"ALG"`
}

type BackendConfig struct {
	BaseURL   string        `yaml:"base_url" env:"BASE_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	UserAgent string        `yaml:"user_agent" env:"USER_AGENT"`
}

type ChannelConfig struct {
	Transport    string        `yaml:"transport" env:"TRANSPORT"`
	URL          string        `yaml:"url" env:"URL"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	WriteWait    time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	SendQueue    int           `yaml:"send_queue" env:"SEND_QUEUE"`

	NatsServers []string `yaml:"nats_servers" env:"NATS_SERVERS"`
	NatsPrefix  string   `yaml:"nats_prefix" env:"NATS_PREFIX"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`

	KafkaBrokers      []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS"`
	KafkaTopicPattern string   `yaml:"kafka_topic_pattern" env:"KAFKA_TOPIC_PATTERN"`
	KafkaTopicCount   int      `yaml:"kafka_topic_count" env:"KAFKA_TOPIC_COUNT"`
	KafkaCommandTopic string   `yaml:"kafka_command_topic" env:"KAFKA_COMMAND_TOPIC"`
}

// RemoteConfig names a nacos-hosted YAML document layered between the local
// file and the environment. Disabled while Addr or DataID is empty.
type RemoteConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Namespace string        `yaml:"namespace" env:"NAMESPACE"`
	DataID    string        `yaml:"data_id" env:"DATA_ID"`
	Group     string        `yaml:"group" env:"GROUP"`
	Username  string        `yaml:"username" env:"USERNAME"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Watch     bool          `yaml:"watch" env:"WATCH"` // follow log_level changes at runtime
}

func (r RemoteConfig) Source() nacos.Source {
	return nacos.Source{
		Addr:      r.Addr,
		Namespace: r.Namespace,
		DataID:    r.DataID,
		Group:     r.Group,
		Username:  r.Username,
		Password:  r.Password,
		Timeout:   r.Timeout,
	}
}

type SyncConfig struct {
	ConversationRefresh time.Duration `yaml:"conversation_refresh" env:"CONVERSATION_REFRESH"`
}

// Default is the baseline every Load starts from.
var Default = AppConfig{
	NodeID:   1,
	LogLevel: "info",
	Auth: AuthConfig{
		Alg: "HS256",
	},
	Backend: BackendConfig{
		BaseURL:   "http://127.0.0.1:5000/api",
		Timeout:   15 * time.Second,
		UserAgent: "marketsync/1.0",
	},
	Channel: ChannelConfig{
		Transport:    TransportWebsocket,
		URL:          "ws://127.0.0.1:5000/ws",
		MaxAttempts:  5,
		RetryDelay:   3 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteWait:    10 * time.Second,
		PingInterval: 25 * time.Second,
		SendQueue:    256,
		NatsServers:  []string{"nats://127.0.0.1:4222"},
		NatsPrefix:   "push",
		RedisAddr:    "127.0.0.1:6379",
		RedisPrefix:  "push",

		KafkaBrokers:      []string{"127.0.0.1:9092"},
		KafkaTopicPattern: "push.shard-%02d",
		KafkaTopicCount:   32,
		KafkaCommandTopic: "push.cmd",
	},
	Sync: SyncConfig{
		ConversationRefresh: 30 * time.Second,
	},
}

// fetchRemote is swapped out in tests.
var fetchRemote = nacos.Fetch

// Load starts from Default and overlays, in order, the YAML file at path (if
// non-empty), the remote nacos document (if configured) and MARKETSYNC_*
// environment variables.
func Load(path string) (*AppConfig, error) {
	cfg := Default
	cfg.Channel.NatsServers = append([]string(nil), Default.Channel.NatsServers...)
	cfg.Channel.KafkaBrokers = append([]string(nil), Default.Channel.KafkaBrokers...)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errs.WrapMsg(err, "parse config", "path", path)
		}
	}
	if err := parseEnv(&cfg); err != nil {
		return nil, err
	}

	// The remote coordinates may come from the file or the env, so the env is
	// read once to find them and again so it still wins over the document.
	if src := cfg.Remote.Source(); src.Enabled() {
		raw, err := fetchRemote(src)
		if err != nil {
			return nil, errs.WrapMsg(err, "load remote config", "addr", src.Addr, "dataId", src.DataID)
		}
		if err := Overlay(&cfg, raw); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Overlay applies a YAML document on top of cfg and re-applies the
// environment. The remote section itself is never taken from the document.
func Overlay(cfg *AppConfig, raw []byte) error {
	remote := cfg.Remote
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errs.WrapMsg(err, "parse remote config")
	}
	cfg.Remote = remote
	return parseEnv(cfg)
}

func parseEnv(cfg *AppConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return errs.WrapMsg(err, "parse env")
	}
	return nil
}

func (c *AppConfig) Validate() error {
	switch strings.ToLower(c.Channel.Transport) {
	case TransportWebsocket, TransportNats, TransportRedis, TransportKafka:
	default:
		return errs.ErrValidation.WrapMsg("unknown channel transport", "transport", c.Channel.Transport)
	}
	if c.Channel.MaxAttempts <= 0 {
		return errs.ErrValidation.WrapMsg("channel.max_attempts must be positive")
	}
	if c.Channel.RetryDelay < 0 {
		return errs.ErrValidation.WrapMsg("channel.retry_delay must not be negative")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errs.ErrValidation.WrapMsg("backend.base_url is required")
	}
	return nil
}
