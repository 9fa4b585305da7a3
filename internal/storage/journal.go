package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"uniconvert/internal/formats"
	"uniconvert/internal/models"
)

// Conversion outcomes besides the failure kinds.
const (
	OutcomeSuccess  = "success"
	OutcomeDegraded = "degraded"
)

// Journal keeps aggregate counters only. Session ids and file names are never
// written, so nothing in the database outlives a session's retention.
type Journal struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

type ConversionStat struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Outcome   string `json:"outcome"`
	Runs      int64  `json:"runs"`
	AvgMillis int64  `json:"avg_ms"`
}

type CleanupStat struct {
	Reason     string `json:"reason"`
	Sessions   int64  `json:"sessions"`
	FreedBytes int64  `json:"freed_bytes"`
}

// Summary is the whole journal, small enough to return in one response.
type Summary struct {
	Conversions      []ConversionStat `json:"conversions"`
	Cleanups         []CleanupStat    `json:"cleanups"`
	TotalConversions int64            `json:"total_conversions"`
	FailedRuns       int64            `json:"failed_conversions"`
	SessionsRemoved  int64            `json:"sessions_removed"`
	FreedBytes       int64            `json:"freed_bytes"`
}

func NewJournal(db *sql.DB, driver string) *Journal {
	return &Journal{db: db, driver: normalizeDriver(driver), now: time.Now}
}

// RecordConversion bumps the counter for one (source, target, outcome) triple.
func (j *Journal) RecordConversion(ctx context.Context, source, target formats.Format, outcome string, elapsed time.Duration) error {
	if j == nil || j.db == nil {
		return nil
	}
	var stmt string
	switch j.driver {
	case "mysql":
		stmt = `INSERT INTO conversion_stats (source, target, outcome, runs, total_ms, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON DUPLICATE KEY UPDATE runs = runs + 1, total_ms = total_ms + VALUES(total_ms), updated_at = VALUES(updated_at)`
	default:
		stmt = `INSERT INTO conversion_stats (source, target, outcome, runs, total_ms, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(source, target, outcome) DO UPDATE SET
				runs = runs + 1, total_ms = total_ms + excluded.total_ms, updated_at = excluded.updated_at`
	}
	if _, err := j.db.ExecContext(ctx, stmt, string(source), string(target), outcome, elapsed.Milliseconds(), j.now().UTC()); err != nil {
		return fmt.Errorf("record conversion: %w", err)
	}
	return nil
}

// RecordCleanup adds one destroyed session to the totals of its reason.
func (j *Journal) RecordCleanup(ctx context.Context, reason models.DestroyReason, freed int64) error {
	if j == nil || j.db == nil {
		return nil
	}
	var stmt string
	switch j.driver {
	case "mysql":
		stmt = `INSERT INTO cleanup_stats (reason, sessions, freed_bytes, updated_at)
			VALUES (?, 1, ?, ?)
			ON DUPLICATE KEY UPDATE sessions = sessions + 1, freed_bytes = freed_bytes + VALUES(freed_bytes), updated_at = VALUES(updated_at)`
	default:
		stmt = `INSERT INTO cleanup_stats (reason, sessions, freed_bytes, updated_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(reason) DO UPDATE SET
				sessions = sessions + 1, freed_bytes = freed_bytes + excluded.freed_bytes, updated_at = excluded.updated_at`
	}
	if _, err := j.db.ExecContext(ctx, stmt, string(reason), freed, j.now().UTC()); err != nil {
		return fmt.Errorf("record cleanup: %w", err)
	}
	return nil
}

func (j *Journal) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	if j == nil || j.db == nil {
		return sum, nil
	}
	rows, err := j.db.QueryContext(ctx, `SELECT source, target, outcome, runs, total_ms
		FROM conversion_stats ORDER BY source, target, outcome`)
	if err != nil {
		return sum, fmt.Errorf("query conversion stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st      ConversionStat
			totalMS int64
		)
		if err := rows.Scan(&st.Source, &st.Target, &st.Outcome, &st.Runs, &totalMS); err != nil {
			return sum, fmt.Errorf("scan conversion stats: %w", err)
		}
		if st.Runs > 0 {
			st.AvgMillis = totalMS / st.Runs
		}
		sum.Conversions = append(sum.Conversions, st)
		sum.TotalConversions += st.Runs
		if st.Outcome != OutcomeSuccess && st.Outcome != OutcomeDegraded {
			sum.FailedRuns += st.Runs
		}
	}
	if err := rows.Err(); err != nil {
		return sum, fmt.Errorf("iterate conversion stats: %w", err)
	}
	// release the connection; in-memory sqlite only has one
	rows.Close()

	cleanups, err := j.db.QueryContext(ctx, `SELECT reason, sessions, freed_bytes FROM cleanup_stats ORDER BY reason`)
	if err != nil {
		return sum, fmt.Errorf("query cleanup stats: %w", err)
	}
	defer cleanups.Close()
	for cleanups.Next() {
		var st CleanupStat
		if err := cleanups.Scan(&st.Reason, &st.Sessions, &st.FreedBytes); err != nil {
			return sum, fmt.Errorf("scan cleanup stats: %w", err)
		}
		sum.Cleanups = append(sum.Cleanups, st)
		sum.SessionsRemoved += st.Sessions
		sum.FreedBytes += st.FreedBytes
	}
	if err := cleanups.Err(); err != nil {
		return sum, fmt.Errorf("iterate cleanup stats: %w", err)
	}
	return sum, nil
}
