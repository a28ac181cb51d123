package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reviewbot/pkg/db"
)

// FinishedStore persists one row per completed build job.
type FinishedStore struct {
	pool     *pgxpool.Pool
	system   string
	instance Instance
}

// NewFinishedStore wraps the pool. A nil pool turns the store into a
// no-op for database-less runs.
func NewFinishedStore(pool *pgxpool.Pool, system string, instance Instance) *FinishedStore {
	return &FinishedStore{pool: pool, system: system, instance: instance}
}

// InsertFinished records the outcome of one job. A nil report degrades to
// a "crashed" row with a null report instead of failing; a missing report
// file means the build tool died before writing one.
func (s *FinishedStore) InsertFinished(ctx context.Context, logger *log.Logger, pr int, elapsed time.Duration, report *Report) error {
	if s == nil || s.pool == nil {
		return nil
	}

	state := "crashed"
	var reportJSON any
	if report != nil {
		state = "success"
		data, err := json.Marshal(report.Summary())
		if err != nil {
			return err
		}
		reportJSON = data
	}

	const q = `
		INSERT INTO review_finished (
			build_elapsed,
			ctime,
			pull_request_number,
			state,
			system,
			instance_type,
			instance_id,
			report
		) VALUES (make_interval(secs => $1), $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := db.Exec(ctx, s.pool, q,
		elapsed.Seconds(),
		time.Now(),
		pr,
		state,
		s.system,
		s.instance.Type,
		s.instance.ID,
		reportJSON,
	)
	if err != nil {
		return fmt.Errorf("insert finished record: %w", err)
	}

	logger.Printf("recorded finished build, state=%s elapsed=%s", state, elapsed.Round(time.Second))
	return nil
}
