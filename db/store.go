package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/voicelabel/naming"
)

// Store is a naming.Store backed by the channel_labels table. State survives
// restarts, so original labels and pending retries recorded before a crash
// are still known afterwards.
type Store struct {
	db *sql.DB
}

var _ naming.Store = (*Store)(nil)

// NewStore returns a Store using db. Call Migrate first.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Ping checks the connection for /readyz.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const recordColumns = `channel_id, original_label, last_applied, retry_at, last_seen`

func scanRecord(row interface{ Scan(...any) error }) (naming.Record, error) {
	var (
		r                 naming.Record
		retryAt, lastSeen sql.NullTime
	)
	if err := row.Scan(&r.ChannelID, &r.OriginalLabel, &r.LastApplied, &retryAt, &lastSeen); err != nil {
		return naming.Record{}, err
	}
	if retryAt.Valid {
		r.RetryAt = retryAt.Time
	}
	if lastSeen.Valid {
		r.LastSeen = lastSeen.Time
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, channelID string) (naming.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM channel_labels WHERE channel_id=$1`, channelID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return naming.Record{}, false, nil
	}
	if err != nil {
		return naming.Record{}, false, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	return r, true, nil
}

func (s *Store) EnsureOriginal(ctx context.Context, channelID, label string, now time.Time) (naming.Record, error) {
	// A row created by SetLastApplied or ScheduleRetry has no original yet.
	q := `INSERT INTO channel_labels(channel_id, original_label, last_seen, updated_at)
		  VALUES($1,$2,$3,NOW())
		  ON CONFLICT(channel_id) DO UPDATE SET
		    original_label=CASE WHEN channel_labels.original_label='' THEN EXCLUDED.original_label ELSE channel_labels.original_label END,
		    last_seen=EXCLUDED.last_seen,
		    updated_at=NOW()
		  RETURNING ` + recordColumns
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, channelID, label, now.UTC()))
	if err != nil {
		return naming.Record{}, fmt.Errorf("ensure original for %s: %w", channelID, err)
	}
	return r, nil
}

func (s *Store) SetOriginal(ctx context.Context, channelID, label string) error {
	q := `INSERT INTO channel_labels(channel_id, original_label, updated_at) VALUES($1,$2,NOW())
		  ON CONFLICT(channel_id) DO UPDATE SET original_label=EXCLUDED.original_label, updated_at=NOW()`
	if _, err := s.db.ExecContext(ctx, q, channelID, label); err != nil {
		return fmt.Errorf("set original for %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) SetLastApplied(ctx context.Context, channelID, label string) error {
	q := `INSERT INTO channel_labels(channel_id, last_applied, updated_at) VALUES($1,$2,NOW())
		  ON CONFLICT(channel_id) DO UPDATE SET last_applied=EXCLUDED.last_applied, retry_at=NULL, updated_at=NOW()`
	if _, err := s.db.ExecContext(ctx, q, channelID, label); err != nil {
		return fmt.Errorf("set last applied for %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) ScheduleRetry(ctx context.Context, channelID string, at time.Time) error {
	q := `INSERT INTO channel_labels(channel_id, retry_at, updated_at) VALUES($1,$2,NOW())
		  ON CONFLICT(channel_id) DO UPDATE SET retry_at=EXCLUDED.retry_at, updated_at=NOW()`
	if _, err := s.db.ExecContext(ctx, q, channelID, at.UTC()); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) ClearRetry(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE channel_labels SET retry_at=NULL, updated_at=NOW() WHERE channel_id=$1 AND retry_at IS NOT NULL`, channelID); err != nil {
		return fmt.Errorf("clear retry for %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) DueRetries(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM channel_labels WHERE retry_at IS NOT NULL AND retry_at <= $1 ORDER BY channel_id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()
	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due retry: %w", err)
		}
		due = append(due, id)
	}
	return due, rows.Err()
}

func (s *Store) Forget(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channel_labels WHERE channel_id=$1`, channelID); err != nil {
		return fmt.Errorf("forget %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) EvictStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channel_labels WHERE retry_at IS NULL AND (last_seen IS NULL OR last_seen < $1)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict stale rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) List(ctx context.Context) ([]naming.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM channel_labels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []naming.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
