package partitioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is a named, time bounded exclusive lock. TryObtain never waits: when
// another holder owns the key it reports ok=false.
type Lease interface {
	TryObtain(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Cancel(ctx context.Context, key, token string) error
}

// PGLease keeps leases in the exclusive_leases table
type PGLease struct {
	db *sql.DB
}

func NewPGLease(db *sql.DB) *PGLease {
	return &PGLease{db: db}
}

func (l *PGLease) TryObtain(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	var got string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO exclusive_leases (key, token, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE exclusive_leases.expires_at < NOW()
		RETURNING token`, key, token, ttl.Seconds()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("obtain lease %s: %w", key, err)
	}
	return got, got == token, nil
}

func (l *PGLease) Cancel(ctx context.Context, key, token string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM exclusive_leases WHERE key = $1 AND token = $2`, key, token); err != nil {
		return fmt.Errorf("cancel lease %s: %w", key, err)
	}
	return nil
}

// withExclusiveLease runs fn only if the lease for key could be obtained. It
// reports whether fn ran.
func withExclusiveLease(ctx context.Context, lease Lease, key string, ttl time.Duration, fn func() error) (bool, error) {
	token, ok, err := lease.TryObtain(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// A fresh context so a cancelled run still frees the lease
		_ = lease.Cancel(context.WithoutCancel(ctx), key, token)
	}()
	return true, fn()
}
