package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

func tlsConfig(enabled bool) *tls.Config {
	if !enabled {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

type kafkaConsumer struct {
	*stream
	reader *kafka.Reader
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	topics := SplitCommaList(strings.Join(cfg.Topics, ","))
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer requires group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one topic", ErrInvalidConfig)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    maxBytes,
		StartOffset: kafka.LastOffset,
	}
	if cfg.FromStart {
		readerCfg.StartOffset = kafka.FirstOffset
	}
	if t := tlsConfig(cfg.TLS); t != nil {
		readerCfg.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: t}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{stream: newStream(cancel), reader: kafka.NewReader(readerCfg)}
	go c.run(ctx)
	return c, nil
}

// fetchStopped reports whether a fetch error means the reader is gone rather
// than a transient broker failure.
func fetchStopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer c.finish()

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if fetchStopped(ctx, err) || !c.fail(ctx, err) {
				return
			}
			continue
		}
		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ackFn: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		if !c.deliver(ctx, msg) {
			return
		}
	}
}

func (c *kafkaConsumer) Close() error {
	return c.shutdown(c.reader.Close)
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if t := tlsConfig(cfg.TLS); t != nil {
		w.Transport = &kafka.Transport{TLS: t}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload}); err != nil {
		return fmt.Errorf("queue: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}
