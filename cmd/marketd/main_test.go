package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/liquid-covenants/marketd/internal/announce"
	"github.com/liquid-covenants/marketd/internal/chainsync"
	"github.com/liquid-covenants/marketd/internal/covenantexec"
	"github.com/liquid-covenants/marketd/internal/leases"
	"github.com/liquid-covenants/marketd/internal/liquidtx/liquidtxtest"
	"github.com/liquid-covenants/marketd/internal/marketstore"
	"github.com/liquid-covenants/marketd/internal/marketstore/marketstoretest"
	"github.com/liquid-covenants/marketd/internal/queue"
)

const genX = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

type fakeSyncer struct {
	rep   chainsync.Report
	err   error
	calls int
}

func (f *fakeSyncer) Sync(context.Context) (chainsync.Report, error) {
	f.calls++
	return f.rep, f.err
}

func newTestDaemon(t *testing.T, eng syncer) (*daemon, *marketstore.Store, *bytes.Buffer) {
	t.Helper()
	store, err := marketstore.New(marketstore.NewMemoryBackend(), &marketstoretest.Compiler{})
	if err != nil {
		t.Fatalf("marketstore.New: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := announce.NewHandler(store, log)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	var out bytes.Buffer
	p, err := queue.NewProducer(queue.ProducerConfig{Driver: queue.DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	return &daemon{
		store:       store,
		engine:      eng,
		handler:     h,
		producer:    p,
		reportTopic: "reports",
		syncTimeout: time.Second,
		ackTimeout:  time.Second,
		log:         log,
		retryBase:   time.Millisecond,
		retryMax:    4 * time.Millisecond,
	}, store, &out
}

func marketEnvelope(t *testing.T, eventID string) []byte {
	t.Helper()
	env := announce.Envelope{
		Version: announce.VersionMarket,
		EventID: eventID,
		Market: &announce.MarketV1{
			OraclePubkey:       genX,
			CollateralAssetID:  liquidtxtest.Asset(1).String(),
			YesAssetID:         liquidtxtest.Asset(2).String(),
			NoAssetID:          liquidtxtest.Asset(3).String(),
			YesReissuanceToken: liquidtxtest.Asset(4).String(),
			NoReissuanceToken:  liquidtxtest.Asset(5).String(),
			CollateralPerToken: 1_000,
			ExpiryTime:         2_000_000,
		},
	}
	if eventID != "" {
		env.Event = json.RawMessage(`{"id":"` + eventID + `"}`)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDaemon_SyncOncePublishesReport(t *testing.T) {
	t.Parallel()

	eng := &fakeSyncer{rep: chainsync.Report{BlockHeight: 812, NewUTXOs: 2}}
	d, _, out := newTestDaemon(t, eng)

	if !d.syncOnce(context.Background()) {
		t.Fatalf("syncOnce reported failure")
	}
	var got struct {
		Version     string `json:"version"`
		BlockHeight uint32 `json:"block_height"`
		NewUTXOs    int    `json:"new_utxos"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &got); err != nil {
		t.Fatalf("decode report %q: %v", out.String(), err)
	}
	if got.Version != reportVersion || got.BlockHeight != 812 || got.NewUTXOs != 2 {
		t.Fatalf("report: %+v", got)
	}
}

func TestDaemon_SyncFailurePublishesNothing(t *testing.T) {
	t.Parallel()

	eng := &fakeSyncer{err: errors.New("explorer down")}
	d, _, out := newTestDaemon(t, eng)

	if d.syncOnce(context.Background()) {
		t.Fatalf("syncOnce reported success")
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestDaemon_SyncRequiresLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := &fakeSyncer{rep: chainsync.Report{BlockHeight: 9}}
	d, _, out := newTestDaemon(t, eng)
	lease := leases.NewMemoryStore(nil)
	d.leases, d.owner, d.leaseTTL = lease, "replica-a", time.Minute

	if _, ok, err := lease.Claim(ctx, leases.SyncLeaseName, "replica-b", time.Minute); err != nil || !ok {
		t.Fatalf("claim by b: ok=%v err=%v", ok, err)
	}
	if d.syncOnce(ctx) {
		t.Fatalf("synced without the lease")
	}
	if eng.calls != 0 || out.Len() != 0 {
		t.Fatalf("round ran without the lease: calls=%d out=%q", eng.calls, out.String())
	}

	if err := lease.Release(ctx, leases.SyncLeaseName, "replica-b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !d.syncOnce(ctx) || eng.calls != 1 {
		t.Fatalf("expected a round after lease release, calls=%d", eng.calls)
	}
	d.releaseLease()
	if _, ok, _ := lease.Claim(ctx, leases.SyncLeaseName, "replica-b", time.Minute); !ok {
		t.Fatalf("lease not released on shutdown")
	}
}

func TestDaemon_HandleMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, store, _ := newTestDaemon(t, &fakeSyncer{})

	d.handleMessage(ctx, queue.Message{Topic: "ann", Value: []byte(`{"version":"nope"}`)})
	d.handleMessage(ctx, queue.Message{Topic: "ann", Value: marketEnvelope(t, "")})

	markets, err := store.ListMarkets(ctx, marketstore.MarketFilter{})
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets: got %d want 1", len(markets))
	}
}

type flakyHandler struct {
	calls    []string
	attempts map[string]int
	fail     func(payload string, attempt int) error
}

func (h *flakyHandler) Handle(_ context.Context, payload []byte) (announce.Result, error) {
	p := string(payload)
	h.calls = append(h.calls, p)
	if h.attempts == nil {
		h.attempts = make(map[string]int)
	}
	h.attempts[p]++
	if err := h.fail(p, h.attempts[p]); err != nil {
		return announce.Result{}, err
	}
	return announce.Result{Kind: marketstore.AnnouncementMarket, ID: p}, nil
}

type chanConsumer struct {
	msgs chan queue.Message
	errs chan error
}

func newChanConsumer(msgs ...queue.Message) *chanConsumer {
	c := &chanConsumer{msgs: make(chan queue.Message, len(msgs)), errs: make(chan error)}
	for _, m := range msgs {
		c.msgs <- m
	}
	return c
}

func (c *chanConsumer) Messages() <-chan queue.Message { return c.msgs }
func (c *chanConsumer) Errors() <-chan error           { return c.errs }
func (c *chanConsumer) Close() error                   { return nil }

func ackedMessage(acks *[]string, value string) queue.Message {
	return queue.NewMessage("ann", nil, []byte(value), func(context.Context) error {
		*acks = append(*acks, value)
		return nil
	})
}

func TestDaemon_StoreFailureRetriesBeforeNextMessage(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDaemon(t, &fakeSyncer{})
	h := &flakyHandler{fail: func(p string, attempt int) error {
		if p == "m1" && attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	}}
	d.handler = h

	var acks []string
	consumer := newChanConsumer(ackedMessage(&acks, "m1"), ackedMessage(&acks, "m2"))
	close(consumer.msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.run(ctx, consumer, time.Hour)

	if got := strings.Join(h.calls, ","); got != "m1,m1,m1,m2" {
		t.Fatalf("handler calls: %s", got)
	}
	if got := strings.Join(acks, ","); got != "m1,m2" {
		t.Fatalf("acks: %s", got)
	}
}

func TestDaemon_StoreOutageHoldsOffsetOnShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, _, _ := newTestDaemon(t, &fakeSyncer{})
	h := &flakyHandler{fail: func(_ string, attempt int) error {
		if attempt == 2 {
			cancel()
		}
		return errors.New("connection refused")
	}}
	d.handler = h

	var acks []string
	consumer := newChanConsumer(ackedMessage(&acks, "m1"), ackedMessage(&acks, "m2"))
	d.run(ctx, consumer, time.Hour)

	if got := strings.Join(h.calls, ","); got != "m1,m1" {
		t.Fatalf("handler calls: %s", got)
	}
	if len(acks) != 0 {
		t.Fatalf("acked past a failed announcement: %v", acks)
	}
}

func TestDaemon_RejectedAnnouncementIsAcked(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDaemon(t, &fakeSyncer{})
	h := &flakyHandler{fail: func(p string, _ int) error {
		if p == "bad" {
			return fmt.Errorf("compile market: %w", covenantexec.ErrCompile)
		}
		return nil
	}}
	d.handler = h

	var acks []string
	d.handleMessage(context.Background(), ackedMessage(&acks, "bad"))
	d.handleMessage(context.Background(), ackedMessage(&acks, "good"))

	if got := strings.Join(h.calls, ","); got != "bad,good" {
		t.Fatalf("handler calls: %s", got)
	}
	if got := strings.Join(acks, ","); got != "bad,good" {
		t.Fatalf("acks: %s", got)
	}
}

func TestRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{err: fmt.Errorf("%w: bad version", announce.ErrInvalidEnvelope), want: true},
		{err: fmt.Errorf("%w: direction", marketstore.ErrInvalidParams), want: true},
		{err: fmt.Errorf("%w: price overflows", marketstore.ErrDataIntegrity), want: true},
		{err: fmt.Errorf("compile pool: %w", covenantexec.ErrCompile), want: true},
		{err: errors.New("connection refused"), want: false},
		{err: context.DeadlineExceeded, want: false},
	}
	for _, tc := range tests {
		if got := rejected(tc.err); got != tc.want {
			t.Fatalf("rejected(%v) = %t, want %t", tc.err, got, tc.want)
		}
	}
}

func TestDaemon_Republish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, _, out := newTestDaemon(t, &fakeSyncer{})
	d.handleMessage(ctx, queue.Message{Value: marketEnvelope(t, "ev1")})
	d.handleMessage(ctx, queue.Message{Value: marketEnvelope(t, "")})

	n, err := d.republish(ctx, "republish")
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if n != 1 {
		t.Fatalf("republished: got %d want 1", n)
	}
	if got := strings.TrimSpace(out.String()); got != `{"id":"ev1"}` {
		t.Fatalf("output: %q", got)
	}
}

func TestDaemon_RunStopsWhenStreamCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &fakeSyncer{rep: chainsync.Report{BlockHeight: 1}}
	d, store, out := newTestDaemon(t, eng)

	input := string(marketEnvelope(t, "")) + "\n\n"
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:     queue.DriverStdio,
		Reader:     strings.NewReader(input),
		StdioTopic: "ann",
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	d.run(ctx, consumer, time.Hour)

	if eng.calls != 1 {
		t.Fatalf("sync calls: got %d want 1", eng.calls)
	}
	if !strings.Contains(out.String(), `"version":"sync.report.v1"`) {
		t.Fatalf("startup report not published: %q", out.String())
	}
	markets, err := store.ListMarkets(context.Background(), marketstore.MarketFilter{})
	if err != nil || len(markets) != 1 {
		t.Fatalf("markets: %d %v", len(markets), err)
	}
}

func TestFirstTopic(t *testing.T) {
	t.Parallel()

	if got := firstTopic(" a , b "); got != "a" {
		t.Fatalf("got %q", got)
	}
	if got := firstTopic(""); got != "" {
		t.Fatalf("got %q", got)
	}
}
