package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
	"github.com/nerrad567/obd-telemetry/migrations"
)

// DefaultDeadLetterMaxRows caps the dead-letter table when no limit is given.
const DefaultDeadLetterMaxRows = 1_000_000

// maxErrorText bounds the error string kept per row.
const maxErrorText = 512

// SQLiteDeadLetter keeps points the BatchWriter could not write, in a local
// SQLite table, so they can be replayed later.
//
// The table is pruned to MaxRows after every Store, oldest rows first.
type SQLiteDeadLetter struct {
	db      *database.DB
	maxRows int
	now     func() time.Time
}

// NewSQLiteDeadLetter wraps a migrated database.
//
// Parameters:
//   - db: Database with the dead_letter_points table
//   - maxRows: Row cap; <= 0 selects DefaultDeadLetterMaxRows
func NewSQLiteDeadLetter(db *database.DB, maxRows int) *SQLiteDeadLetter {
	if maxRows <= 0 {
		maxRows = DefaultDeadLetterMaxRows
	}
	return &SQLiteDeadLetter{db: db, maxRows: maxRows, now: time.Now}
}

// OpenSQLiteDeadLetter opens the database at cfg.Path, applies the embedded
// schema migrations and returns a store that owns the connection.
//
// Parameters:
//   - ctx: Bounds the open and the migrations
//   - cfg: Database settings
//   - maxRows: Row cap; <= 0 selects DefaultDeadLetterMaxRows
//
// Returns:
//   - *SQLiteDeadLetter: Ready store; Close releases the database
//   - error: If the file cannot be opened or migrated
func OpenSQLiteDeadLetter(ctx context.Context, cfg database.Config, maxRows int) (*SQLiteDeadLetter, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeadLetter, err)
	}
	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("%w: %w", ErrDeadLetter, err)
	}
	return NewSQLiteDeadLetter(db, maxRows), nil
}

// Close closes the underlying database.
func (d *SQLiteDeadLetter) Close() error {
	return d.db.Close()
}

// Store persists a batch together with the error that made it fail.
func (d *SQLiteDeadLetter) Store(ctx context.Context, batch []telemetry.Point, cause error) error {
	if len(batch) == 0 {
		return nil
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
		if len(reason) > maxErrorText {
			reason = reason[:maxErrorText]
		}
	}
	failedAt := d.now().UnixNano()

	err := d.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO dead_letter_points (key, value, ts_ns, failed_at, error) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range batch {
			if _, err := stmt.ExecContext(ctx, p.Key, p.Value, p.Time.UnixNano(), failedAt, reason); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM dead_letter_points
			WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM dead_letter_points) - ?`, d.maxRows)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: storing %d points: %w", ErrDeadLetter, len(batch), err)
	}
	return nil
}

// Count returns the number of points held.
func (d *SQLiteDeadLetter) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_points`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting: %w", ErrDeadLetter, err)
	}
	return n, nil
}

// Drain removes and returns up to limit points, oldest first.
//
// Parameters:
//   - ctx: Context for cancellation
//   - limit: Maximum number of points; must be positive
//
// Returns:
//   - []telemetry.Point: Removed points in insertion order
//   - error: ErrDeadLetter if the read or delete fails; nothing is removed then
func (d *SQLiteDeadLetter) Drain(ctx context.Context, limit int) ([]telemetry.Point, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrDeadLetter)
	}

	var out []telemetry.Point
	err := d.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, key, value, ts_ns FROM dead_letter_points ORDER BY id LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		var lastID int64
		for rows.Next() {
			var (
				key   string
				value int64
				tsNS  int64
			)
			if err := rows.Scan(&lastID, &key, &value, &tsNS); err != nil {
				return err
			}
			out = append(out, telemetry.NewPoint(key, value, time.Unix(0, tsNS)))
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM dead_letter_points WHERE id <= ?`, lastID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: draining: %w", ErrDeadLetter, err)
	}
	return out, nil
}
