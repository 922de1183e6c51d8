// Package leases elects a single writer among daemon replicas sharing one
// store. A replica runs sync rounds only while it holds the named lease.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SyncLeaseName is the lease guarding chain sync rounds.
const SyncLeaseName = "marketd.sync"

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store hands out expiring, named leases.
//
// Claim succeeds when the lease is absent, expired, or already held by owner,
// and extends it to now+ttl. Otherwise it returns the current holder and
// false. Release is idempotent when the lease is absent.
type Store interface {
	Claim(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
}

func Validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name and owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
