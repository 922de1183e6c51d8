package queue

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type stdioConsumer struct {
	*stream
}

// newStdioConsumer reads one record per non-blank line until EOF, then closes
// the message channel.
func newStdioConsumer(parent context.Context, cfg ConsumerConfig) Consumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	topic := strings.TrimSpace(cfg.StdioTopic)

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{stream: newStream(cancel)}
	go func() {
		defer c.finish()

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1024), maxLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			msg := Message{Topic: topic, Value: append([]byte(nil), line...), Timestamp: time.Now().UTC()}
			if !c.deliver(ctx, msg) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			c.fail(ctx, fmt.Errorf("queue: read stdio: %w", err))
		}
	}()
	return c
}

// Close stops delivery. A reader blocked in Read is not interrupted.
func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

// Publish writes payload as one line; topic and key are dropped.
func (p *stdioProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	if bytes.ContainsRune(payload, '\n') {
		return fmt.Errorf("%w: stdio payload contains a newline", ErrInvalidConfig)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
