package kafka

import (
	"errors"

	"github.com/Shopify/sarama"
)

// Client bundles the consumer and producer one session uses. Both share the
// underlying sarama client when built by Dial.
type Client struct {
	Consumer sarama.Consumer
	Producer sarama.SyncProducer
	base     sarama.Client
}

func Dial(c Config) (*Client, error) {
	c = c.WithDefaults()
	base, err := sarama.NewClient(c.Brokers, BaseConfig(c))
	if err != nil {
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(base)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(base)
	if err != nil {
		_ = consumer.Close()
		_ = base.Close()
		return nil, err
	}
	return &Client{Consumer: consumer, Producer: producer, base: base}, nil
}

// Close shuts the producer, the consumer and the shared client down, in that
// order. Partition consumers must be closed before.
func (c *Client) Close() error {
	var errList []error
	if c.Producer != nil {
		errList = append(errList, c.Producer.Close())
	}
	if c.Consumer != nil {
		errList = append(errList, c.Consumer.Close())
	}
	if c.base != nil && !c.base.Closed() {
		errList = append(errList, c.base.Close())
	}
	return errors.Join(errList...)
}
