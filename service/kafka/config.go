package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config describes the Kafka side of the push bridge. Pushes for a user land
// on one shard topic chosen by hashing the user id, keyed by that id;
// commands go to a single topic.
type Config struct {
	Brokers       []string
	ClientID      string
	TopicPattern  string // e.g. "push.shard-%02d"
	TopicCount    int
	CommandTopic  string
	Compression   string // none/snappy/lz4/zstd
	InitialOffset string // newest/oldest
	Version       sarama.KafkaVersion
	DialTimeout   time.Duration
}

var Default = Config{
	Brokers:       []string{"127.0.0.1:9092"},
	ClientID:      "marketsync",
	TopicPattern:  "push.shard-%02d",
	TopicCount:    32,
	CommandTopic:  "push.cmd",
	Compression:   "snappy",
	InitialOffset: "newest",
	Version:       sarama.V2_1_0_0,
	DialTimeout:   10 * time.Second,
}

// WithDefaults fills every zero field from Default.
func (c Config) WithDefaults() Config {
	if len(c.Brokers) == 0 {
		c.Brokers = Default.Brokers
	}
	if c.ClientID == "" {
		c.ClientID = Default.ClientID
	}
	if c.TopicPattern == "" {
		c.TopicPattern = Default.TopicPattern
	}
	if c.TopicCount <= 0 {
		c.TopicCount = Default.TopicCount
	}
	if c.CommandTopic == "" {
		c.CommandTopic = Default.CommandTopic
	}
	if c.Compression == "" {
		c.Compression = Default.Compression
	}
	if c.InitialOffset == "" {
		c.InitialOffset = Default.InitialOffset
	}
	if c.Version == (sarama.KafkaVersion{}) {
		c.Version = Default.Version
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = Default.DialTimeout
	}
	return c
}

// Offset is where a fresh partition consumer starts.
func (c Config) Offset() int64 {
	if strings.ToLower(c.InitialOffset) == "oldest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

// BaseConfig builds the sarama config shared by the consumer and producer.
func BaseConfig(c Config) *sarama.Config {
	c = c.WithDefaults()
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID
	cfg.Version = c.Version

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key = user id
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Consumer.Offsets.Initial = c.Offset()
	cfg.Consumer.Return.Errors = true

	cfg.Net.DialTimeout = c.DialTimeout
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
