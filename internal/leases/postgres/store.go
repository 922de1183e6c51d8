package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liquid-covenants/marketd/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// Claim uses the database clock so replicas with skewed clocks agree on expiry.
func (s *Store) Claim(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := leases.Validate(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO marketd_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE marketd_leases.owner = EXCLUDED.owner OR marketd_leases.expires_at <= now()
		RETURNING expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&expires)
	if err == nil {
		return leases.Lease{Name: name, Owner: owner, ExpiresAt: expires}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: claim: %w", err)
	}

	cur := leases.Lease{Name: name}
	err = s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM marketd_leases WHERE name = $1`, name).Scan(&cur.Owner, &cur.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the two statements.
		return s.Claim(ctx, name, owner, ttl)
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: read holder: %w", err)
	}
	return cur, false, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}
	var holder string
	err := s.pool.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM marketd_leases WHERE name = $1 AND owner = $2 RETURNING owner
		)
		SELECT owner FROM gone
		UNION ALL
		SELECT owner FROM marketd_leases WHERE name = $1 AND owner <> $2
		LIMIT 1
	`, name, owner).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if holder != owner {
		return leases.ErrNotOwner
	}
	return nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
