// Package queue moves announcement envelopes into the daemon and sync
// reports out of it, over Kafka or line-delimited stdio.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

// EnvKafkaTLS enables TLS for Kafka connections when set to a true value.
const EnvKafkaTLS = "MARKETD_QUEUE_KAFKA_TLS"

const (
	defaultMaxLineBytes = 1 << 20
	defaultMaxBytes     = 10 << 20
	streamBuffer        = 64
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is one record delivered to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer time on Kafka and the receive time on stdio.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// NewMessage builds a message whose Ack runs ack. A nil ack makes Ack a no-op.
func NewMessage(topic string, key, value []byte, ack func(context.Context) error) Message {
	return Message{Topic: topic, Key: key, Value: value, Timestamp: time.Now().UTC(), ackFn: ack}
}

// Ack commits the message offset. It is a no-op for stdio.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes records. Records sharing a key keep their order on
// Kafka.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers []string
	Group   string
	Topics  []string
	TLS     bool
	// FromStart makes a new consumer group begin at the oldest retained
	// record instead of the newest.
	FromStart bool
	MaxBytes  int

	Reader       io.Reader
	MaxLineBytes int
	// StdioTopic is stamped on every line read from Reader.
	StdioTopic string
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	TLS          bool
	BatchTimeout time.Duration

	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioProducer{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// KafkaTLSFromEnv reports whether EnvKafkaTLS holds a true value.
func KafkaTLSFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeDriver(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// stream is the channel plumbing shared by both consumers. The reading
// goroutine owns both channels and closes them when it returns.
type stream struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newStream(cancel context.CancelFunc) *stream {
	return &stream{
		msgCh:  make(chan Message, streamBuffer),
		errCh:  make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *stream) finish() {
	close(s.msgCh)
	close(s.errCh)
	close(s.done)
}

func (s *stream) deliver(ctx context.Context, m Message) bool {
	select {
	case s.msgCh <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) fail(ctx context.Context, err error) bool {
	select {
	case s.errCh <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) Messages() <-chan Message { return s.msgCh }
func (s *stream) Errors() <-chan error     { return s.errCh }

// shutdown cancels the reader and waits for it, running closeFn in between.
func (s *stream) shutdown(closeFn func() error) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if closeFn != nil {
			err = closeFn()
		}
		<-s.done
	})
	return err
}
