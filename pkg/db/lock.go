package db

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// lockNamespace separates reviewbot publish locks from any other advisory
// lock user sharing the database.
const lockNamespace = int32(0x7265766) // "rev"

// PublishLock serializes the external "post result" call for one pull
// request across all worker machines. It is a session-scoped Postgres
// advisory lock: acquisition blocks until the holder releases it or its
// connection dies, so a crashed worker cannot leave the lock stuck.
type PublishLock struct {
	pool *pgxpool.Pool
}

// NewPublishLock returns a lock manager backed by the given pool.
func NewPublishLock(pool *pgxpool.Pool) (*PublishLock, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return &PublishLock{pool: pool}, nil
}

// Acquire blocks until the lock for pr is held and returns a release
// function. The release function must be called from the same goroutine
// flow that acquired; it returns the dedicated connection to the pool.
func (l *PublishLock) Acquire(ctx context.Context, pr int) (func(), error) {
	if l == nil || l.pool == nil {
		return nil, errors.New("nil publish lock")
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// pg_advisory_lock blocks server-side until the lock is granted.
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1, $2)", lockNamespace, lockKey(pr)); err != nil {
		conn.Release()
		return nil, err
	}

	release := func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1, $2)", lockNamespace, lockKey(pr))
		conn.Release()
	}
	return release, nil
}

func lockKey(pr int) int32 {
	h := fnv.New32a()
	var buf [4]byte
	buf[0] = byte(pr)
	buf[1] = byte(pr >> 8)
	buf[2] = byte(pr >> 16)
	buf[3] = byte(pr >> 24)
	_, _ = h.Write(buf[:])
	return int32(h.Sum32())
}
