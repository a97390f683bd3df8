package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/treesync/treesync/internal/mirror/schema"
)

const queueColumns = `id, project_id, node_id, file_path, status, attempts,
	created_at, started_at, completed_at, error_message, requeue`

// QueueFilter narrows ListEntries. Zero values match everything.
type QueueFilter struct {
	ProjectID *int64
	Status    schema.QueueStatus
	Limit     int
}

// Enqueue records that the node needs (re)indexing.
//
// If the node already has an active (Pending or Processing) entry, no new row
// is created: a Pending entry has its file path refreshed, and a Processing
// entry is flagged so that a fresh entry is queued once the worker reports
// back. The returned bool is true only when a new entry was inserted.
//
// Returns schema.ErrNotFound if the node does not exist.
func (o *ops) Enqueue(ctx context.Context, nodeID int64, filePath string) (*schema.QueueEntry, bool, error) {
	var (
		entry   *schema.QueueEntry
		created bool
	)

	err := o.atomic(ctx, func(o *ops) error {
		// The partial unique index on active entries turns a duplicate into a no-op.
		res, err := o.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_entries (project_id, node_id, file_path, status, attempts, created_at)
		SELECT project_id, id, ?, 'pending', 0, ? FROM nodes WHERE id = ?`,
			filePath, formatTime(o.now()), nodeID)
		if err != nil {
			return fmt.Errorf("failed to enqueue node %d: %w", nodeID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 1 {
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read entry id: %w", err)
			}
			entry, err = o.GetEntry(ctx, id)
			created = true
			return err
		}

		active, err := o.ActiveEntryForNode(ctx, nodeID)
		if errors.Is(err, schema.ErrNotFound) {
			// Nothing inserted and nothing active: the node itself is missing.
			return fmt.Errorf("enqueue node %d: %w", nodeID, schema.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := o.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET file_path = ?,
			requeue = CASE WHEN status = 'processing' THEN 1 ELSE requeue END
		WHERE id = ?`, filePath, active.ID); err != nil {
			return fmt.Errorf("failed to refresh entry %d: %w", active.ID, err)
		}

		active.FilePath = filePath
		if active.Status == schema.StatusProcessing {
			active.Requeue = true
		}
		entry = active
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

// ClaimBatch moves up to limit of the oldest Pending entries to Processing and
// returns them ordered by creation time, ties broken by id.
//
// The selection and the transition are one UPDATE statement inside a write
// transaction, so concurrent claimers never receive the same entry.
func (o *ops) ClaimBatch(ctx context.Context, projectID *int64, limit int) ([]*schema.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	conditions := []string{"status = 'pending'"}
	args := []any{formatTime(o.now())}
	conditions, args = projectFilter(conditions, args, projectID)
	args = append(args, limit)

	var entries []*schema.QueueEntry
	err := o.atomic(ctx, func(o *ops) error {
		rows, err := o.q.QueryContext(ctx, `
		UPDATE queue_entries
		SET status = 'processing', started_at = ?, completed_at = NULL, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE `+strings.Join(conditions, " AND ")+`
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+queueColumns, args...)
		if err != nil {
			return fmt.Errorf("failed to claim batch: %w", err)
		}
		defer rows.Close()

		entries, err = scanEntries(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// MarkCompleted transitions a Processing entry to Completed.
//
// Calling it on an entry that is already Completed is a no-op. Any other
// state returns schema.ErrInvalidTransition, and a missing entry returns
// schema.ErrConsistency. If the node changed while the entry was being
// processed, a fresh Pending entry is queued in the same transaction.
func (o *ops) MarkCompleted(ctx context.Context, entryID int64) error {
	return o.finish(ctx, entryID, schema.StatusCompleted, "")
}

// MarkFailed transitions a Processing entry to Failed, recording message.
//
// Calling it on an entry that is already Failed is a no-op and keeps the
// original message. Other states behave as in MarkCompleted.
func (o *ops) MarkFailed(ctx context.Context, entryID int64, message string) error {
	return o.finish(ctx, entryID, schema.StatusFailed, message)
}

func (o *ops) finish(ctx context.Context, entryID int64, to schema.QueueStatus, message string) error {
	return o.atomic(ctx, func(o *ops) error {
		entry, err := o.GetEntry(ctx, entryID)
		if errors.Is(err, schema.ErrNotFound) {
			return fmt.Errorf("mark %s: %w: %w", to, schema.ErrConsistency, err)
		}
		if err != nil {
			return err
		}

		switch entry.Status {
		case to:
			return nil
		case schema.StatusProcessing:
		default:
			return fmt.Errorf("entry %d is %s, cannot mark %s: %w",
				entryID, entry.Status, to, schema.ErrInvalidTransition)
		}

		res, err := o.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, completed_at = ?, error_message = ?, requeue = 0
		WHERE id = ? AND status = 'processing'`,
			string(to), formatTime(o.now()), nullString(message), entryID)
		if err != nil {
			return fmt.Errorf("failed to mark entry %d %s: %w", entryID, to, err)
		}
		if err := expectOneRow(res, "mark "+string(to), entryID); err != nil {
			return err
		}

		if entry.Requeue {
			if _, _, err := o.Enqueue(ctx, entry.NodeID, entry.FilePath); err != nil {
				return fmt.Errorf("failed to requeue node %d: %w", entry.NodeID, err)
			}
		}
		return nil
	})
}

// PurgeCompleted deletes Completed entries whose completion is older than
// retention. Returns the number of entries removed.
func (o *ops) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	return o.PurgeCompletedBefore(ctx, o.now().Add(-retention))
}

// PurgeCompletedBefore deletes Completed entries completed before cutoff.
func (o *ops) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := o.q.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE status = 'completed' AND completed_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed entries: %w", err)
	}
	return rowsAffected(res)
}

// ResetStale returns Processing entries claimed more than olderThan ago to
// Pending, for workers that died mid-batch. Returns the number reset.
func (o *ops) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.now().Add(-olderThan)

	res, err := o.q.ExecContext(ctx, `
	UPDATE queue_entries
	SET status = 'pending', started_at = NULL, requeue = 0
	WHERE status = 'processing' AND started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale entries: %w", err)
	}
	return rowsAffected(res)
}

// RetryFailed resets Failed entries with fewer than maxAttempts claims back to
// Pending, reusing the same entry. maxAttempts <= 0 means no limit. Entries
// whose node already has another active entry are left Failed.
// Returns the number of entries reset.
func (o *ops) RetryFailed(ctx context.Context, projectID *int64, maxAttempts int) (int, error) {
	conditions := []string{"status = 'failed'"}
	var args []any
	if maxAttempts > 0 {
		conditions = append(conditions, "attempts < ?")
		args = append(args, maxAttempts)
	}
	conditions, args = projectFilter(conditions, args, projectID)

	// OR IGNORE skips rows that would collide with the active-entry index.
	res, err := o.q.ExecContext(ctx, `
	UPDATE OR IGNORE queue_entries
	SET status = 'pending', started_at = NULL, completed_at = NULL, error_message = NULL
	WHERE `+strings.Join(conditions, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed entries: %w", err)
	}
	return rowsAffected(res)
}

// GetEntry retrieves a queue entry by id.
// Returns schema.ErrNotFound if the entry does not exist.
func (o *ops) GetEntry(ctx context.Context, id int64) (*schema.QueueEntry, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %d: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %d: %w", id, err)
	}
	return entry, nil
}

// ActiveEntryForNode returns the Pending or Processing entry for a node.
// Returns schema.ErrNotFound if there is none.
func (o *ops) ActiveEntryForNode(ctx context.Context, nodeID int64) (*schema.QueueEntry, error) {
	row := o.q.QueryRowContext(ctx, `
	SELECT `+queueColumns+` FROM queue_entries
	WHERE node_id = ? AND status IN ('pending', 'processing')`, nodeID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active entry for node %d: %w", nodeID, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active entry for node %d: %w", nodeID, err)
	}
	return entry, nil
}

// ListEntries returns entries matching filter, oldest first.
func (o *ops) ListEntries(ctx context.Context, filter QueueFilter) ([]*schema.QueueEntry, error) {
	var (
		conditions []string
		args       []any
	)
	conditions, args = projectFilter(conditions, args, filter.ProjectID)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + queueColumns + ` FROM queue_entries`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Counts returns per-status entry counts, optionally for one project.
// An empty queue yields zero counts.
func (o *ops) Counts(ctx context.Context, projectID *int64) (schema.QueueCounts, error) {
	var counts schema.QueueCounts

	conditions, args := projectFilter(nil, nil, projectID)
	query := `SELECT status, COUNT(*) FROM queue_entries`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` GROUP BY status`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return counts, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch schema.QueueStatus(status) {
		case schema.StatusPending:
			counts.Pending = n
		case schema.StatusProcessing:
			counts.Processing = n
		case schema.StatusCompleted:
			counts.Completed = n
		case schema.StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return counts, nil
}

// PendingCount returns the number of Pending entries, optionally for one project.
func (o *ops) PendingCount(ctx context.Context, projectID *int64) (int, error) {
	counts, err := o.Counts(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return counts.Pending, nil
}

func scanEntry(row scanner) (*schema.QueueEntry, error) {
	var (
		entry                  schema.QueueEntry
		status, createdAt      string
		startedAt, completedAt sql.NullString
		errMsg                 sql.NullString
		requeue                int
	)

	err := row.Scan(
		&entry.ID,
		&entry.ProjectID,
		&entry.NodeID,
		&entry.FilePath,
		&status,
		&entry.Attempts,
		&createdAt,
		&startedAt,
		&completedAt,
		&errMsg,
		&requeue,
	)
	if err != nil {
		return nil, err
	}

	entry.Status = schema.QueueStatus(status)
	entry.CreatedAt = parseTime(createdAt)
	entry.StartedAt = nullStringToTime(startedAt)
	entry.CompletedAt = nullStringToTime(completedAt)
	entry.ErrorMessage = errMsg.String
	entry.Requeue = requeue != 0

	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]*schema.QueueEntry, error) {
	var entries []*schema.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}
	return entries, nil
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
