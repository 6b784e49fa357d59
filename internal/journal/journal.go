// Package journal records every terminal connection epoch in SQLite so past
// sessions can be listed after the process is gone
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Epoch is one stretch of time the session was connected to the terminal
type Epoch struct {
	ID             string     `json:"id"`
	Session        string     `json:"session"`
	Number         uint64     `json:"number"`
	Transport      string     `json:"transport"`
	Version        int        `json:"version"`
	Build          int        `json:"build"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Open reports whether the epoch has not been closed yet
func (e *Epoch) Open() bool {
	return e.DisconnectedAt == nil
}

// Journal handles SQLite journal operations
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path; ":memory:" keeps it in memory
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// a second connection to ":memory:" would see an empty database
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS epochs (
			id TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			number INTEGER NOT NULL,
			transport TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			build INTEGER NOT NULL DEFAULT 0,
			connected_at INTEGER NOT NULL,
			disconnected_at INTEGER,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_epochs_session ON epochs(session, connected_at)`,
	}

	for _, query := range queries {
		if _, err := j.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// RecordEpoch stores a newly connected epoch and returns it with its id
func (j *Journal) RecordEpoch(ctx context.Context, e Epoch) (*Epoch, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ConnectedAt.IsZero() {
		e.ConnectedAt = time.Now()
	}

	query := `INSERT INTO epochs (id, session, number, transport, version, build, connected_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		e.ID, e.Session, int64(e.Number), e.Transport, e.Version, e.Build, e.ConnectedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to record epoch: %w", err)
	}
	e.DisconnectedAt = nil
	e.Reason = ""
	return &e, nil
}

// CloseEpoch stamps the end of an epoch. Closing it twice keeps the first stamp.
func (j *Journal) CloseEpoch(ctx context.Context, id, reason string, at time.Time) error {
	query := `UPDATE epochs SET disconnected_at = ?, reason = ?
			  WHERE id = ? AND disconnected_at IS NULL`
	result, err := j.db.ExecContext(ctx, query, at.UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to close epoch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		if _, err := j.GetEpoch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// GetEpoch returns one epoch by id
func (j *Journal) GetEpoch(ctx context.Context, id string) (*Epoch, error) {
	query := `SELECT id, session, number, transport, version, build, connected_at, disconnected_at, reason
			  FROM epochs WHERE id = ?`
	e, err := scanEpoch(j.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get epoch %s: %w", id, err)
	}
	return e, nil
}

// List returns the latest epochs, newest first. An empty session lists all.
func (j *Journal) List(ctx context.Context, session string, limit int) ([]*Epoch, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, session, number, transport, version, build, connected_at, disconnected_at, reason
			  FROM epochs WHERE (? = '' OR session = ?)
			  ORDER BY connected_at DESC, number DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, session, session, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var epochs []*Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// CloseDangling closes every epoch of session left open, e.g. by a crash.
// It returns how many were closed.
func (j *Journal) CloseDangling(ctx context.Context, session string, at time.Time) (int, error) {
	query := `UPDATE epochs SET disconnected_at = ?, reason = 'abandoned'
			  WHERE session = ? AND disconnected_at IS NULL`
	result, err := j.db.ExecContext(ctx, query, at.UnixMilli(), session)
	if err != nil {
		return 0, fmt.Errorf("failed to close dangling epochs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(rows), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEpoch(row scanner) (*Epoch, error) {
	var (
		e            Epoch
		number       int64
		connected    int64
		disconnected sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Session, &number, &e.Transport, &e.Version, &e.Build,
		&connected, &disconnected, &e.Reason); err != nil {
		return nil, err
	}

	e.Number = uint64(number)
	e.ConnectedAt = time.UnixMilli(connected)
	if disconnected.Valid {
		at := time.UnixMilli(disconnected.Int64)
		e.DisconnectedAt = &at
	}
	return &e, nil
}
