package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reviewbot/pkg/db"
)

// DispatchStore persists one write-once record per dispatched evaluation.
type DispatchStore struct {
	pool *pgxpool.Pool
}

// NewDispatchStore wraps the given pool. A nil pool is allowed and turns
// the store into a no-op, matching runs without a database configured.
func NewDispatchStore(pool *pgxpool.Pool) *DispatchStore {
	return &DispatchStore{pool: pool}
}

// InsertDispatched records a resolved evaluation and its per-system
// package counts.
func (s *DispatchStore) InsertDispatched(ctx context.Context, pr int, evalURL string, counts map[string]int) error {
	if s == nil || s.pool == nil {
		return nil
	}

	numPackages, err := json.Marshal(counts)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO review_dispatched (
			pull_request_number,
			state,
			ofborg_eval_url,
			num_packages,
			ctime
		)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := db.Exec(ctx, s.pool, q, pr, "dispatched", evalURL, numPackages, time.Now()); err != nil {
		return fmt.Errorf("insert dispatched record: %w", err)
	}
	return nil
}

// DispatchRecord is one dispatch of a pull request, as served by the
// loopback status endpoint.
type DispatchRecord struct {
	ID          int64           `db:"id" json:"id"`
	PullRequest int             `db:"pull_request_number" json:"pr"`
	State       string          `db:"state" json:"state"`
	EvalURL     string          `db:"ofborg_eval_url" json:"eval_url"`
	NumPackages json.RawMessage `db:"num_packages" json:"num_packages"`
	CTime       time.Time       `db:"ctime" json:"ctime"`
}

// History returns every dispatch of the given pull request, newest first.
// A nil store or pool yields an empty history.
func (s *DispatchStore) History(ctx context.Context, pr int) ([]DispatchRecord, error) {
	if s == nil || s.pool == nil {
		return nil, nil
	}

	const q = `
		SELECT id, pull_request_number, state, ofborg_eval_url, num_packages, ctime
		FROM review_dispatched
		WHERE pull_request_number = $1
		ORDER BY ctime DESC
	`
	var records []DispatchRecord
	if err := db.Select(ctx, s.pool, &records, q, pr); err != nil {
		return nil, fmt.Errorf("select dispatch history: %w", err)
	}
	return records, nil
}
