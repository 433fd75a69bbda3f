package channel

import (
	"context"
	"sync"

	"marketsync/logger"
	"marketsync/service/kafka"
	"marketsync/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// KafkaTransport reaches the gateway through a Kafka bridge. The gateway
// writes a user's pushes to the user's shard topic keyed by user id; this side
// reads every partition of that topic and keeps the frames carrying its key.
type KafkaTransport struct {
	cfg       kafka.Config
	inboxSize int
	dial      func(kafka.Config) (*kafka.Client, error)
}

func NewKafkaTransport(cfg kafka.Config, inboxSize int) *KafkaTransport {
	if inboxSize <= 0 {
		inboxSize = defaultSendQueue
	}
	return &KafkaTransport{cfg: cfg.WithDefaults(), inboxSize: inboxSize, dial: kafka.Dial}
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Dial(ctx context.Context, userID, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ErrNetwork.WrapMsg("dial kafka", "err", err)
	}
	client, err := t.dial(t.cfg)
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("dial kafka", "brokers", t.cfg.Brokers, "err", err)
	}

	topic := kafka.TopicFor(userID, kafka.ShardTopics(t.cfg))
	c := &kafkaConn{
		client: client,
		userID: userID,
		topic:  topic,
		cmd:    t.cfg.CommandTopic,
		inbox:  make(chan Frame, t.inboxSize),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}

	partitions, err := client.Consumer.Partitions(topic)
	if err != nil {
		_ = c.Close()
		return nil, errs.ErrNetwork.WrapMsg("list partitions", "topic", topic, "err", err)
	}
	for _, p := range partitions {
		pc, err := client.Consumer.ConsumePartition(topic, p, t.cfg.Offset())
		if err != nil {
			_ = c.Close()
			return nil, errs.ErrNetwork.WrapMsg("consume partition", "topic", topic, "partition", p, "err", err)
		}
		c.pcs = append(c.pcs, pc)
		c.wg.Add(1)
		go c.forward(pc)
	}
	return c, nil
}

type kafkaConn struct {
	client *kafka.Client
	pcs    []sarama.PartitionConsumer
	wg     sync.WaitGroup

	userID string
	topic  string
	cmd    string

	inbox     chan Frame
	done      chan struct{}
	failed    chan struct{} // closed when a partition consumer stops on its own
	closeOnce sync.Once
	failOnce  sync.Once
}

func (c *kafkaConn) forward(pc sarama.PartitionConsumer) {
	defer c.wg.Done()
	msgs, errCh := pc.Messages(), pc.Errors()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				c.fail()
				return
			}
			if string(m.Key) != c.userID {
				continue
			}
			f, err := DecodeFrame(m.Value)
			if err != nil {
				logger.Warn("[KAFKA] drop undecodable frame", zap.String("topic", m.Topic),
					zap.Int32("partition", m.Partition), zap.Int64("offset", m.Offset),
					zap.String("raw", sample(m.Value)), zap.Error(err))
				continue
			}
			select {
			case c.inbox <- f:
			case <-c.done:
				return
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			logger.Warn("[KAFKA] partition consumer error", zap.String("topic", c.topic), zap.Error(err))
		case <-c.done:
			return
		}
	}
}

func (c *kafkaConn) fail() {
	select {
	case <-c.done:
	default:
		c.failOnce.Do(func() { close(c.failed) })
	}
}

func (c *kafkaConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.failed:
		return Frame{}, errs.ErrNetwork.WrapMsg("kafka partition consumer stopped", "topic", c.topic)
	case <-c.done:
		return Frame{}, ErrConnClosed
	}
}

func (c *kafkaConn) WriteFrame(f Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	_, _, err = c.client.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: c.cmd,
		Key:   sarama.StringEncoder(c.userID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("msg-id"), Value: []byte(f.ID)},
		},
	})
	if err != nil {
		return errs.ErrNetwork.WrapMsg("produce", "topic", c.cmd, "err", err)
	}
	return nil
}

func (c *kafkaConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		for _, pc := range c.pcs {
			pc.AsyncClose()
		}
		c.wg.Wait()
		if err := c.client.Close(); err != nil {
			logger.Debug("[KAFKA] close", zap.String("user", c.userID), zap.Error(err))
		}
	})
	return nil
}
