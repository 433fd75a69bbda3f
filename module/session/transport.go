package session

import (
	"strings"

	"marketsync/global/config"
	"marketsync/service/channel"
	"marketsync/service/kafka"
	"marketsync/tools/errs"
)

// NewTransport builds the push transport named in the channel config.
func NewTransport(c config.ChannelConfig) (channel.Transport, error) {
	switch strings.ToLower(c.Transport) {
	case "", config.TransportWebsocket:
		return channel.NewWSTransport(channel.WSConfig{
			URL:          c.URL,
			DialTimeout:  c.DialTimeout,
			WriteWait:    c.WriteWait,
			PingInterval: c.PingInterval,
			SendQueue:    c.SendQueue,
		}), nil
	case config.TransportNats:
		return channel.NewNatsTransport(channel.NatsConfig{
			Servers:   c.NatsServers,
			Prefix:    c.NatsPrefix,
			Timeout:   c.DialTimeout,
			InboxSize: c.SendQueue,
		}), nil
	case config.TransportRedis:
		return channel.NewRedisTransport(channel.RedisConfig{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   c.RedisPrefix,
		}), nil
	case config.TransportKafka:
		return channel.NewKafkaTransport(kafka.Config{
			Brokers:      c.KafkaBrokers,
			TopicPattern: c.KafkaTopicPattern,
			TopicCount:   c.KafkaTopicCount,
			CommandTopic: c.KafkaCommandTopic,
			DialTimeout:  c.DialTimeout,
		}, c.SendQueue), nil
	}
	return nil, errs.ErrValidation.WrapMsg("unknown channel transport", "transport", c.Transport)
}
