package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/sipconnector/internal/database/models"
)

const historyColumns = `id, call_id, origin, source, dest, gcr, start_time,
	 answer_time, end_time, duration, disposition, cause`

// historyRepo implements CallHistoryRepository.
type historyRepo struct {
	db *DB
}

// NewCallHistoryRepository creates a new CallHistoryRepository.
func NewCallHistoryRepository(db *DB) CallHistoryRepository {
	return &historyRepo{db: db}
}

// Create inserts a history record. A random id is assigned when the record
// has none.
func (r *historyRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_history (`+historyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallID, rec.Origin, rec.Source, rec.Dest, rec.GCR,
		rec.StartTime.UTC(), utcPtr(rec.AnswerTime), rec.EndTime.UTC(), rec.Duration,
		rec.Disposition, rec.Cause,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByID returns a record by id, or nil if there is none.
func (r *historyRepo) GetByID(ctx context.Context, id string) (*models.CallRecord, error) {
	var c models.CallRecord
	err := r.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM call_history WHERE id = ?`, id,
	).Scan(scanTargets(&c)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &c, nil
}

// List returns records matching the filter, newest first, along with the
// total count.
func (r *historyRepo) List(ctx context.Context, filter HistoryListFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Origin != "" {
		where += " AND origin = ?"
		args = append(args, filter.Origin)
	}
	if filter.Search != "" {
		where += " AND (source LIKE ? OR dest LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM call_history WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT ` + historyColumns + ` FROM call_history WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var c models.CallRecord
		if err := rows.Scan(scanTargets(&c)...); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return recs, total, nil
}

// CountByOrigin returns the number of records per origin protocol.
func (r *historyRepo) CountByOrigin(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT origin, COUNT(*) FROM call_history GROUP BY origin`)
	if err != nil {
		return nil, fmt.Errorf("counting call records by origin: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var origin string
		var n int64
		if err := rows.Scan(&origin, &n); err != nil {
			return nil, fmt.Errorf("scanning origin count: %w", err)
		}
		counts[origin] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating origin counts: %w", err)
	}
	return counts, nil
}

// DeleteOlderThan removes records whose call started more than days ago.
func (r *historyRepo) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM call_history WHERE start_time < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted call records: %w", err)
	}
	return n, nil
}

func scanTargets(c *models.CallRecord) []any {
	return []any{&c.ID, &c.CallID, &c.Origin, &c.Source, &c.Dest, &c.GCR,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.Duration,
		&c.Disposition, &c.Cause}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
