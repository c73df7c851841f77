package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random server backends of the current database so that
// in-flight transactions fail mid-way.
type Killer struct {
	Pool     *pgxpool.Pool
	AppName  string
	Interval time.Duration
	killed   atomic.Int64
}

func (k *Killer) Killed() int64 { return k.killed.Load() }

// Run ticks until ctx is done or stop is closed. On roughly one tick in
// five it terminates one backend, restricted to AppName when set.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	interval := k.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var terminated bool
			err := k.Pool.QueryRow(ctx, `
SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false)
FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database()
      AND pid <> pg_backend_pid()
      AND ($1 = '' OR application_name = $1)
    ORDER BY random()
    LIMIT 1
) victim`, k.AppName).Scan(&terminated)
			if err == nil && terminated {
				k.killed.Add(1)
			}
		}
	}
}
