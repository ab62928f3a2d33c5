package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/brigadehq/brigade/pkg/database"
	"github.com/brigadehq/brigade/pkg/models"
)

const queueColumns = `id, job_id, dedupe_key, payload, scheduled_for, status, attempts,
	max_attempts, lease_owner, lease_expires_at, last_error, started_at, finished_at, created_at`

// maxErrorLen bounds the persisted last_error text.
const maxErrorLen = 5000

func scanQueueEntry(row interface{ Scan(...any) error }) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var lease, started, finished sql.NullTime
	err := row.Scan(&e.ID, &e.JobID, &e.DedupeKey, &e.Payload, &e.ScheduledFor, &e.Status,
		&e.Attempts, &e.MaxAttempts, &e.LeaseOwner, &lease, &e.LastError, &started, &finished, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ScheduledFor = e.ScheduledFor.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.LeaseExpiresAt = timePtr(lease)
	e.StartedAt = timePtr(started)
	e.FinishedAt = timePtr(finished)
	return &e, nil
}

// EnqueueJob inserts a queue entry unless (job_id, dedupe_key) already
// exists. The second return reports whether this call inserted the row; on
// a duplicate the existing entry wins and is returned.
func (s *Store) EnqueueJob(ctx context.Context, tx *sql.Tx, jobID, dedupeKey string, scheduledFor time.Time, maxAttempts int, payload models.JSONMap) (*models.QueueEntry, bool, error) {
	now := s.Now()
	var id int64
	err := s.q(tx).QueryRowContext(ctx, s.rebind(
		`INSERT INTO job_queue (job_id, dedupe_key, payload, scheduled_for, status, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, dedupe_key) DO NOTHING
		 RETURNING id`),
		jobID, dedupeKey, payload, scheduledFor.UTC(), models.QueuePending, maxAttempts, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, lookupErr := s.getQueueEntryByKey(ctx, tx, jobID, dedupeKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, mapWriteErr("enqueueing job", err)
	}
	return &models.QueueEntry{
		ID: id, JobID: jobID, DedupeKey: dedupeKey, Payload: payload,
		ScheduledFor: scheduledFor.UTC(), Status: models.QueuePending,
		MaxAttempts: maxAttempts, CreatedAt: now,
	}, true, nil
}

func (s *Store) getQueueEntryByKey(ctx context.Context, tx *sql.Tx, jobID, dedupeKey string) (*models.QueueEntry, error) {
	e, err := scanQueueEntry(s.q(tx).QueryRowContext(ctx, s.rebind(
		`SELECT `+queueColumns+` FROM job_queue WHERE job_id = ? AND dedupe_key = ?`), jobID, dedupeKey))
	return e, mapReadErr("getting queue entry", err)
}

// GetQueueEntry returns one entry by id.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	e, err := scanQueueEntry(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+queueColumns+` FROM job_queue WHERE id = ?`), id))
	return e, mapReadErr("getting queue entry", err)
}

// ClaimQueueEntry atomically claims the next due entry for workerID.
// Eligible rows are pending ones that are due, and running ones whose lease
// expired with attempts remaining. The claim itself counts the attempt.
// leaseFor maps the entry's job_id to its lease duration. Returns
// ErrNotFound when nothing is claimable.
func (s *Store) ClaimQueueEntry(ctx context.Context, workerID string, leaseFor func(jobID string) time.Duration) (*models.QueueEntry, error) {
	var claimed *models.QueueEntry
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.Now()
		query := `SELECT ` + queueColumns + ` FROM job_queue
			 WHERE (status = ? AND scheduled_for <= ?)
			    OR (status = ? AND lease_expires_at < ? AND attempts < max_attempts)
			 ORDER BY scheduled_for
			 LIMIT 1`
		query = s.forUpdate(query)
		if s.client.Dialect() == database.DialectPostgres {
			query += " SKIP LOCKED"
		}
		entry, err := scanQueueEntry(tx.QueryRowContext(ctx, s.rebind(query),
			models.QueuePending, now, models.QueueRunning, now))
		if err != nil {
			return mapReadErr("claiming queue entry", err)
		}

		lease := now.Add(leaseFor(entry.JobID))
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE job_queue SET status = ?, attempts = attempts + 1,
			 lease_owner = ?, lease_expires_at = ?, started_at = ? WHERE id = ?`),
			models.QueueRunning, workerID, lease, now, entry.ID)
		if err != nil {
			return mapWriteErr("claiming queue entry", err)
		}
		entry.Status = models.QueueRunning
		entry.Attempts++
		entry.LeaseOwner = workerID
		entry.LeaseExpiresAt = &lease
		entry.StartedAt = &now
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ExtendQueueLease pushes the lease forward. The guard on lease_owner means
// an entry stolen after expiry silently stops being extended by the old
// worker.
func (s *Store) ExtendQueueLease(ctx context.Context, id int64, workerID string, lease time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE job_queue SET lease_expires_at = ? WHERE id = ? AND lease_owner = ? AND status = ?`),
		s.Now().Add(lease), id, workerID, models.QueueRunning)
	return mapWriteErr("extending queue lease", err)
}

// CompleteQueueEntry marks an entry success.
func (s *Store) CompleteQueueEntry(ctx context.Context, id int64, workerID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE job_queue SET status = ?, finished_at = ?, last_error = ''
		 WHERE id = ? AND lease_owner = ?`),
		models.QueueSuccess, s.Now(), id, workerID)
	return mapWriteErr("completing queue entry", err)
}

// FailQueueEntry records a failed attempt. With attempts remaining the entry
// returns to pending at retryAt; otherwise it goes dead.
func (s *Store) FailQueueEntry(ctx context.Context, id int64, workerID, errMsg string, retryAt time.Time) (*models.QueueEntry, error) {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	var out *models.QueueEntry
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		entry, err := scanQueueEntry(tx.QueryRowContext(ctx, s.rebind(s.forUpdate(
			`SELECT `+queueColumns+` FROM job_queue WHERE id = ? AND lease_owner = ?`)), id, workerID))
		if err != nil {
			return mapReadErr("failing queue entry", err)
		}
		if entry.Attempts < entry.MaxAttempts {
			entry.Status = models.QueuePending
			entry.ScheduledFor = retryAt.UTC()
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE job_queue SET status = ?, scheduled_for = ?, last_error = ?,
				 lease_owner = '', lease_expires_at = NULL WHERE id = ?`),
				models.QueuePending, retryAt.UTC(), errMsg, id)
		} else {
			now := s.Now()
			entry.Status = models.QueueDead
			entry.FinishedAt = &now
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE job_queue SET status = ?, last_error = ?, finished_at = ?,
				 lease_owner = '', lease_expires_at = NULL WHERE id = ?`),
				models.QueueDead, errMsg, now, id)
		}
		if err != nil {
			return mapWriteErr("failing queue entry", err)
		}
		entry.LastError = errMsg
		out = entry
		return nil
	})
	return out, err
}

// DropQueueEntry moves an entry straight to dead without a retry. Used when
// a job's required secrets are missing.
func (s *Store) DropQueueEntry(ctx context.Context, id int64, reason string) error {
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen]
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE job_queue SET status = ?, last_error = ?, finished_at = ?,
		 lease_owner = '', lease_expires_at = NULL WHERE id = ?`),
		models.QueueDead, reason, s.Now(), id)
	return mapWriteErr("dropping queue entry", err)
}

// SweepZombieEntries handles running entries whose lease expired without a
// worker. Exhausted ones go dead; the rest return to pending with attempts
// preserved, the lost lease having already counted as an attempt.
func (s *Store) SweepZombieEntries(ctx context.Context) (reset, dead int64, err error) {
	now := s.Now()
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE job_queue SET status = ?, last_error = ?, finished_at = ?,
			 lease_owner = '', lease_expires_at = NULL
			 WHERE status = ? AND lease_expires_at < ? AND attempts >= max_attempts`),
			models.QueueDead, "lease expired", now, models.QueueRunning, now)
		if err != nil {
			return mapWriteErr("sweeping dead zombies", err)
		}
		dead, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE job_queue SET status = ?, lease_owner = '', lease_expires_at = NULL
			 WHERE status = ? AND lease_expires_at < ?`),
			models.QueuePending, models.QueueRunning, now)
		if err != nil {
			return mapWriteErr("resetting zombies", err)
		}
		reset, _ = res.RowsAffected()
		return nil
	})
	return reset, dead, err
}

// ResetExpiredLeases returns every expired running entry to pending. Used
// once at startup before workers begin claiming.
func (s *Store) ResetExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE job_queue SET status = ?, lease_owner = '', lease_expires_at = NULL
		 WHERE status = ? AND lease_expires_at < ?`),
		models.QueuePending, models.QueueRunning, s.Now())
	if err != nil {
		return 0, mapWriteErr("resetting expired leases", err)
	}
	return res.RowsAffected()
}

// LatestScheduledFor returns the most recent scheduled_for recorded for a
// job in any status, or ErrNotFound. Drives missed-run backfill.
func (s *Store) LatestScheduledFor(ctx context.Context, jobID string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT scheduled_for FROM job_queue WHERE job_id = ? ORDER BY scheduled_for DESC LIMIT 1`),
		jobID).Scan(&t)
	if err != nil {
		return time.Time{}, mapReadErr("finding latest schedule", err)
	}
	return t.UTC(), nil
}

// QueueJobStats summarizes one job's queue entries by status.
type QueueJobStats struct {
	JobID       string     `json:"job_id"`
	Pending     int        `json:"pending"`
	Running     int        `json:"running"`
	Success     int        `json:"success"`
	Dead        int        `json:"dead"`
	LastError   string     `json:"last_error,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	RecentDead  int        `json:"recent_dead"`
	RecentTotal int        `json:"recent_total"`
}

// QueueStats aggregates entry counts per job, with a recent window for
// health reporting.
func (s *Store) QueueStats(ctx context.Context, recentWindow time.Duration) (map[string]*QueueJobStats, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT job_id, status, scheduled_for, last_error, finished_at FROM job_queue`))
	if err != nil {
		return nil, mapReadErr("reading queue stats", err)
	}
	defer rows.Close()

	cutoff := s.Now().Add(-recentWindow)
	stats := make(map[string]*QueueJobStats)
	for rows.Next() {
		var jobID string
		var status models.QueueStatus
		var scheduledFor time.Time
		var lastError string
		var finished sql.NullTime
		if err := rows.Scan(&jobID, &status, &scheduledFor, &lastError, &finished); err != nil {
			return nil, mapReadErr("scanning queue stats", err)
		}
		st := stats[jobID]
		if st == nil {
			st = &QueueJobStats{JobID: jobID}
			stats[jobID] = st
		}
		switch status {
		case models.QueuePending:
			st.Pending++
		case models.QueueRunning:
			st.Running++
		case models.QueueSuccess:
			st.Success++
		case models.QueueDead:
			st.Dead++
			if lastError != "" {
				st.LastError = lastError
			}
		}
		if finished.Valid {
			t := finished.Time.UTC()
			if st.LastRunAt == nil || t.After(*st.LastRunAt) {
				st.LastRunAt = &t
			}
			if t.After(cutoff) {
				st.RecentTotal++
				if status == models.QueueDead {
					st.RecentDead++
				}
			}
		}
	}
	return stats, rows.Err()
}

// CountQueueByStatus returns entry counts per status across all jobs.
func (s *Store) CountQueueByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, mapReadErr("counting queue entries", err)
	}
	defer rows.Close()
	out := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapReadErr("scanning queue counts", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// DeleteFinishedQueueEntries removes terminal entries older than cutoff.
func (s *Store) DeleteFinishedQueueEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM job_queue WHERE status IN (?, ?) AND finished_at < ?`),
		models.QueueSuccess, models.QueueDead, cutoff.UTC())
	if err != nil {
		return 0, mapWriteErr("deleting finished queue entries", err)
	}
	return res.RowsAffected()
}
