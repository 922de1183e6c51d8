package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liquid-covenants/marketd/internal/announce"
	"github.com/liquid-covenants/marketd/internal/blobstore"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/chainsync"
	"github.com/liquid-covenants/marketd/internal/covenantexec"
	"github.com/liquid-covenants/marketd/internal/esplora"
	"github.com/liquid-covenants/marketd/internal/leases"
	leasespg "github.com/liquid-covenants/marketd/internal/leases/postgres"
	"github.com/liquid-covenants/marketd/internal/marketstore"
	marketpg "github.com/liquid-covenants/marketd/internal/marketstore/postgres"
	"github.com/liquid-covenants/marketd/internal/queue"
	"github.com/liquid-covenants/marketd/internal/secrets"
)

const reportVersion = "sync.report.v1"

const defaultIngestRetryBase = 500 * time.Millisecond

type reportV1 struct {
	Version string `json:"version"`
	chainsync.Report
}

func main() {
	var (
		storeDriver    = flag.String("store-driver", "postgres", "market store driver: postgres|memory")
		postgresDSNRef = flag.String("postgres-dsn-ref", "env:MARKETD_POSTGRES_DSN", "secret reference for the Postgres DSN (env:NAME or aws:SECRET_ID#field)")

		esploraURL     = flag.String("esplora-url", "", "Esplora REST base URL (required)")
		esploraTimeout = flag.Duration("esplora-timeout", 10*time.Second, "per-request Esplora timeout")

		compilerBin      = flag.String("compiler-bin", "", "covenant compiler binary (required)")
		compilerMaxBytes = flag.Int("compiler-max-response-bytes", 1<<20, "maximum compiler response size (bytes)")

		txCacheDriver = flag.String("tx-cache-driver", "memory", "raw transaction cache driver: none|memory|s3")
		txCacheBucket = flag.String("tx-cache-bucket", "", "S3 bucket for the raw transaction cache (required for s3)")
		txCachePrefix = flag.String("tx-cache-prefix", "marketd/rawtx", "object key prefix for the raw transaction cache")

		syncInterval = flag.Duration("sync-interval", 30*time.Second, "interval between chain sync rounds")
		syncTimeout  = flag.Duration("sync-timeout", 2*time.Minute, "timeout for one chain sync round")
		leaseTTL     = flag.Duration("sync-lease-ttl", 2*time.Minute, "ttl of the lease that elects the replica running sync rounds")
		owner        = flag.String("owner", "", "unique replica identity for the sync lease (default: hostname-pid)")

		queueDriver    = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers   = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup     = flag.String("queue-group", "marketd", "queue consumer group (required for kafka)")
		queueTLS       = flag.Bool("queue-kafka-tls", queue.KafkaTLSFromEnv(), "use TLS for kafka connections (default from "+queue.EnvKafkaTLS+")")
		fromStart      = flag.Bool("announce-from-start", true, "start a new consumer group at the oldest retained announcement")
		announceTopics = flag.String("announce-topics", "markets.announce.v1", "comma-separated announcement topics")
		reportTopic    = flag.String("report-topic", "markets.sync-reports.v1", "topic sync reports are published to")
		republishTopic = flag.String("republish-topic", "", "optional topic stored announcements are republished to at startup")
		maxLineBytes   = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes  = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout     = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
		retryMax       = flag.Duration("ingest-retry-max", 30*time.Second, "maximum backoff between attempts to store a failing announcement")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *esploraURL == "" || *compilerBin == "" {
		fmt.Fprintln(os.Stderr, "error: --esplora-url and --compiler-bin are required")
		os.Exit(2)
	}
	if *syncInterval <= 0 || *syncTimeout <= 0 || *ackTimeout <= 0 || *esploraTimeout <= 0 || *leaseTTL <= 0 || *retryMax <= 0 {
		fmt.Fprintln(os.Stderr, "error: --sync-interval, --sync-timeout, --sync-lease-ttl, --esplora-timeout, --queue-ack-timeout and --ingest-retry-max must be > 0")
		os.Exit(2)
	}
	if *leaseTTL <= *syncTimeout {
		fmt.Fprintln(os.Stderr, "error: --sync-lease-ttl must exceed --sync-timeout")
		os.Exit(2)
	}
	replica := strings.TrimSpace(*owner)
	if replica == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "marketd"
		}
		replica = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if *compilerMaxBytes <= 0 || *maxLineBytes <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --compiler-max-response-bytes, --max-line-bytes, and --queue-max-bytes must be > 0")
		os.Exit(2)
	}
	if strings.TrimSpace(*reportTopic) == "" {
		fmt.Fprintln(os.Stderr, "error: --report-topic is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	compiler, err := covenantexec.New(*compilerBin, *compilerMaxBytes)
	if err != nil {
		log.Error("init covenant compiler", "err", err)
		os.Exit(2)
	}

	var (
		backend marketstore.Backend
		leaseDB leases.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		dsn, err := secrets.NewDefaultResolver().Resolve(ctx, *postgresDSNRef)
		if err != nil {
			log.Error("resolve postgres dsn", "ref", *postgresDSNRef, "err", err)
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := marketpg.New(pool)
		if err != nil {
			log.Error("init market store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure market schema", "err", err)
			os.Exit(2)
		}
		backend = pgStore

		leaseStore, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := leaseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		leaseDB = leaseStore
	case "memory":
		backend = marketstore.NewMemoryBackend()
		leaseDB = leases.NewMemoryStore(nil)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}
	store, err := marketstore.New(backend, compiler)
	if err != nil {
		log.Error("init market store", "err", err)
		os.Exit(2)
	}

	explorer, err := esplora.New(*esploraURL, esplora.WithTimeout(*esploraTimeout))
	if err != nil {
		log.Error("init esplora client", "err", err)
		os.Exit(2)
	}
	source, err := newChainSource(ctx, explorer, *txCacheDriver, *txCacheBucket, *txCachePrefix, log)
	if err != nil {
		log.Error("init chain source", "err", err)
		os.Exit(2)
	}

	engine, err := chainsync.New(store, source, log)
	if err != nil {
		log.Error("init sync engine", "err", err)
		os.Exit(2)
	}
	handler, err := announce.NewHandler(store, log)
	if err != nil {
		log.Error("init announcement handler", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:       *queueDriver,
		Brokers:      queue.SplitCommaList(*queueBrokers),
		Group:        *queueGroup,
		Topics:       queue.SplitCommaList(*announceTopics),
		TLS:          *queueTLS,
		FromStart:    *fromStart,
		MaxBytes:     *queueMaxBytes,
		MaxLineBytes: *maxLineBytes,
		StdioTopic:   firstTopic(*announceTopics),
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	d := &daemon{
		store:       store,
		engine:      engine,
		handler:     handler,
		producer:    producer,
		leases:      leaseDB,
		owner:       replica,
		leaseTTL:    *leaseTTL,
		reportTopic: *reportTopic,
		syncTimeout: *syncTimeout,
		ackTimeout:  *ackTimeout,
		retryBase:   defaultIngestRetryBase,
		retryMax:    *retryMax,
		log:         log,
	}

	if topic := strings.TrimSpace(*republishTopic); topic != "" {
		n, err := d.republish(ctx, topic)
		if err != nil {
			log.Error("republish announcements", "err", err)
			os.Exit(1)
		}
		log.Info("republished announcements", "topic", topic, "count", n)
	}

	log.Info("marketd started",
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"esplora", *esploraURL,
		"txCacheDriver", *txCacheDriver,
		"syncInterval", syncInterval.String(),
		"owner", replica,
		"queueDriver", *queueDriver,
		"announceTopics", *announceTopics,
		"reportTopic", *reportTopic,
	)

	d.run(ctx, consumer, *syncInterval)
}

func newChainSource(ctx context.Context, explorer *esplora.Client, driver, bucket, prefix string, log *slog.Logger) (chain.HistorySource, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "none":
		return explorer, nil
	case blobstore.DriverMemory:
		blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory, Prefix: prefix})
		if err != nil {
			return nil, err
		}
		return chain.NewCachedSource(explorer, blobs, log)
	case blobstore.DriverS3:
		if strings.TrimSpace(bucket) == "" {
			return nil, errors.New("--tx-cache-bucket is required when --tx-cache-driver=s3")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		blobs, err := blobstore.New(blobstore.Config{
			Driver:   blobstore.DriverS3,
			Prefix:   prefix,
			Bucket:   bucket,
			S3Client: awss3.NewFromConfig(awsCfg),
		})
		if err != nil {
			return nil, err
		}
		return chain.NewCachedSource(explorer, blobs, log)
	default:
		return nil, fmt.Errorf("unsupported tx cache driver %q", driver)
	}
}

func firstTopic(csv string) string {
	topics := queue.SplitCommaList(csv)
	if len(topics) == 0 {
		return ""
	}
	return topics[0]
}

type syncer interface {
	Sync(ctx context.Context) (chainsync.Report, error)
}

type announcementHandler interface {
	Handle(ctx context.Context, payload []byte) (announce.Result, error)
}

type announcementLister interface {
	AllAnnouncements(ctx context.Context) ([]marketstore.Announcement, error)
}

// daemon owns the single goroutine that serializes sync rounds and
// announcement ingestion against the store.
type daemon struct {
	store    announcementLister
	engine   syncer
	handler  announcementHandler
	producer queue.Producer

	// Sync rounds run only while this replica holds the sync lease.
	leases   leases.Store
	owner    string
	leaseTTL time.Duration

	reportTopic string
	syncTimeout time.Duration
	ackTimeout  time.Duration
	log         *slog.Logger

	// Backoff bounds between attempts to ingest a failing announcement.
	retryBase time.Duration
	retryMax  time.Duration
}

func (d *daemon) run(ctx context.Context, consumer queue.Consumer, interval time.Duration) {
	d.syncOnce(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	msgCh := consumer.Messages()
	errCh := consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutdown", "reason", ctx.Err())
			d.releaseLease()
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				d.log.Error("queue consume error", "err", err)
			}
		case <-t.C:
			d.syncOnce(ctx)
		case msg, ok := <-msgCh:
			if !ok {
				d.log.Info("announcement stream closed")
				d.releaseLease()
				return
			}
			d.handleMessage(ctx, msg)
		}
	}
}

// syncOnce runs one round and publishes its report. A failed round is logged
// and retried on the next tick.
func (d *daemon) syncOnce(ctx context.Context) bool {
	if !d.holdLease(ctx) {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, d.syncTimeout)
	defer cancel()

	rep, err := d.engine.Sync(cctx)
	if err != nil {
		d.log.Error("sync round", "err", err)
		return false
	}
	payload, err := json.Marshal(reportV1{Version: reportVersion, Report: rep})
	if err != nil {
		d.log.Error("marshal sync report", "err", err)
		return false
	}
	key := []byte(strconv.FormatUint(uint64(rep.BlockHeight), 10))
	if err := d.producer.Publish(cctx, d.reportTopic, key, payload); err != nil {
		d.log.Error("publish sync report", "height", rep.BlockHeight, "err", err)
		return false
	}
	return true
}

func (d *daemon) holdLease(ctx context.Context) bool {
	if d.leases == nil {
		return true
	}
	l, ok, err := d.leases.Claim(ctx, leases.SyncLeaseName, d.owner, d.leaseTTL)
	if err != nil {
		d.log.Error("claim sync lease", "err", err)
		return false
	}
	if !ok {
		d.log.Debug("sync lease held elsewhere", "holder", l.Owner, "expiresAt", l.ExpiresAt)
	}
	return ok
}

func (d *daemon) releaseLease() {
	if d.leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.ackTimeout)
	defer cancel()
	if err := d.leases.Release(ctx, leases.SyncLeaseName, d.owner); err != nil {
		d.log.Warn("release sync lease", "err", err)
	}
}

// handleMessage ingests one announcement and acks it. Announcements that can
// never be stored are acked and dropped. Any other failure is retried with
// backoff before the next message is read: acking a later message commits
// the group offset past this one. If ctx ends first the message stays
// unacked and a restart resumes from it.
func (d *daemon) handleMessage(ctx context.Context, msg queue.Message) {
	backoff := d.retryBase
	if backoff <= 0 {
		backoff = defaultIngestRetryBase
	}
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		res, err := d.handler.Handle(ctx, msg.Value)
		if err == nil {
			d.log.Info("ingested announcement", "kind", res.Kind, "id", res.ID)
			break
		}
		if rejected(err) {
			d.log.Warn("drop invalid announcement", "topic", msg.Topic, "err", err)
			break
		}
		d.log.Error("ingest announcement", "topic", msg.Topic, "attempt", attempt, "retryIn", backoff.String(), "err", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff *= 2; d.retryMax > 0 && backoff > d.retryMax {
			backoff = d.retryMax
		}
	}

	actx, cancel := context.WithTimeout(ctx, d.ackTimeout)
	defer cancel()
	if err := msg.Ack(actx); err != nil {
		d.log.Error("queue ack", "topic", msg.Topic, "err", err)
	}
}

// rejected reports whether err means the announcement itself can never be
// stored, as opposed to a store or compiler outage.
func rejected(err error) bool {
	return errors.Is(err, announce.ErrInvalidEnvelope) ||
		errors.Is(err, marketstore.ErrInvalidParams) ||
		errors.Is(err, marketstore.ErrDataIntegrity) ||
		errors.Is(err, covenantexec.ErrCompile)
}

func (d *daemon) republish(ctx context.Context, topic string) (int, error) {
	anns, err := d.store.AllAnnouncements(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range anns {
		if a.JSON == "" {
			continue
		}
		if err := d.producer.Publish(ctx, topic, []byte(a.EventID), []byte(a.JSON)); err != nil {
			return n, fmt.Errorf("publish %s announcement %s: %w", a.Kind, a.EventID, err)
		}
		n++
	}
	return n, nil
}
