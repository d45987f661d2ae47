package postgres

import (
	"context"
	"sync"

	"github.com/merfy/sitehost/internal/repository"
)

// TryLockSite takes a session advisory lock keyed on the site id. The lock is
// pinned to a dedicated pool connection and released by the returned func;
// if the connection is lost, PostgreSQL drops the lock with the session.
func (r *Repository) TryLockSite(ctx context.Context, siteID string) (repository.UnlockFunc, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	var acquired bool
	row := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, siteID)
	if err := row.Scan(&acquired); err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, repository.ErrLocked
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// Unlock on a background context so a canceled request still
			// releases the advisory lock.
			_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, siteID)
			conn.Release()
		})
	}, nil
}
