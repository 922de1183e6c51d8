package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/liquid-covenants/marketd/internal/announce"
	"github.com/liquid-covenants/marketd/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("announce-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueTLS := fs.Bool("queue-kafka-tls", queue.KafkaTLSFromEnv(), "use TLS for kafka connections")
	topic := fs.String("topic", "markets.announce.v1", "announcement topic")
	payload := fs.String("payload", "", "inline announcement envelope")
	fs.Var(&payloadFiles, "payload-file", "announcement envelope file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin)
	if err != nil {
		return err
	}
	type keyed struct {
		key, body []byte
	}
	var out []keyed
	for i, p := range payloads {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		key, body, err := prepare(p)
		if err != nil {
			return fmt.Errorf("payload %d: %w", i, err)
		}
		out = append(out, keyed{key: key, body: body})
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for _, m := range out {
		if err := producer.Publish(ctx, *topic, m.key, m.body); err != nil {
			return err
		}
	}
	return nil
}

// prepare checks the envelope version and compacts it to a single line. The
// event id, when present, becomes the message key.
func prepare(payload []byte) ([]byte, []byte, error) {
	var env announce.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Version {
	case announce.VersionMarket, announce.VersionOrder, announce.VersionPool:
	default:
		return nil, nil, fmt.Errorf("unsupported envelope version %q", env.Version)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, nil, fmt.Errorf("compact envelope: %w", err)
	}
	var key []byte
	if id := strings.TrimSpace(env.EventID); id != "" {
		key = []byte(id)
	}
	return key, buf.Bytes(), nil
}

func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	return [][]byte{b}, nil
}
