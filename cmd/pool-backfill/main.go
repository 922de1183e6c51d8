package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liquid-covenants/marketd/internal/blobstore"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/chainwalk"
	"github.com/liquid-covenants/marketd/internal/covenantexec"
	"github.com/liquid-covenants/marketd/internal/esplora"
	"github.com/liquid-covenants/marketd/internal/marketstore"
	marketpg "github.com/liquid-covenants/marketd/internal/marketstore/postgres"
	"github.com/liquid-covenants/marketd/internal/secrets"
)

type options struct {
	poolID         marketstore.PoolID
	postgresDSNRef string
	esploraURL     string
	esploraTimeout time.Duration
	compilerBin    string
	compilerMax    int
	timeout        time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	dsn, err := secrets.NewDefaultResolver().Resolve(ctx, opts.postgresDSNRef)
	if err != nil {
		return fmt.Errorf("resolve postgres dsn: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	defer pool.Close()

	pgStore, err := marketpg.New(pool)
	if err != nil {
		return err
	}
	if err := pgStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure market schema: %w", err)
	}
	compiler, err := covenantexec.New(opts.compilerBin, opts.compilerMax)
	if err != nil {
		return err
	}
	store, err := marketstore.New(pgStore, compiler)
	if err != nil {
		return err
	}

	explorer, err := esplora.New(opts.esploraURL, esplora.WithTimeout(opts.esploraTimeout))
	if err != nil {
		return err
	}
	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		return err
	}
	source, err := chain.NewCachedSource(explorer, blobs, log)
	if err != nil {
		return err
	}
	walker, err := chainwalk.New(source, compiler, log)
	if err != nil {
		return err
	}

	res, err := walker.Backfill(ctx, store, opts.poolID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("pool-backfill", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	poolID := fs.String("pool-id", "", "pool id (32-byte hex, required)")
	dsnRef := fs.String("postgres-dsn-ref", "env:MARKETD_POSTGRES_DSN", "secret reference for the Postgres DSN (env:NAME or aws:SECRET_ID#field)")
	esploraURL := fs.String("esplora-url", "", "Esplora REST base URL (required)")
	esploraTimeout := fs.Duration("esplora-timeout", 10*time.Second, "per-request Esplora timeout")
	compilerBin := fs.String("compiler-bin", "", "covenant compiler binary (required)")
	compilerMax := fs.Int("compiler-max-response-bytes", 1<<20, "maximum compiler response size (bytes)")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall backfill timeout")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if strings.TrimSpace(*esploraURL) == "" || strings.TrimSpace(*compilerBin) == "" {
		return options{}, errors.New("--esplora-url and --compiler-bin are required")
	}
	if *esploraTimeout <= 0 || *timeout <= 0 || *compilerMax <= 0 {
		return options{}, errors.New("--esplora-timeout, --timeout, and --compiler-max-response-bytes must be > 0")
	}
	id, err := parsePoolID(*poolID)
	if err != nil {
		return options{}, fmt.Errorf("parse --pool-id: %w", err)
	}
	return options{
		poolID:         id,
		postgresDSNRef: *dsnRef,
		esploraURL:     *esploraURL,
		esploraTimeout: *esploraTimeout,
		compilerBin:    *compilerBin,
		compilerMax:    *compilerMax,
		timeout:        *timeout,
	}, nil
}

func parsePoolID(s string) (marketstore.PoolID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return marketstore.PoolID{}, err
	}
	if len(b) != 32 {
		return marketstore.PoolID{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var id marketstore.PoolID
	copy(id[:], b)
	return id, nil
}
