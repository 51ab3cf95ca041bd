// Package audit records every register write the bridge sends to the
// controller, and the controllers it has talked to.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("audit: not found")

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// Outcome is the recorded result of a write command.
type Outcome string

// Command outcomes.
const (
	// OutcomeAccepted means the controller acknowledged the write.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeUnconfirmed means the write was sent but not acknowledged.
	// The controller may still have applied it.
	OutcomeUnconfirmed Outcome = "unconfirmed"

	// OutcomeFailed means the write never reached the controller.
	OutcomeFailed Outcome = "failed"

	// OutcomeRejected means the command was refused before contacting the
	// controller (unknown control, bad value, invalid path).
	OutcomeRejected Outcome = "rejected"
)

// OutcomeOf classifies a write result.
func OutcomeOf(res nbe.SetResult) Outcome {
	switch {
	case res.Acked():
		return OutcomeAccepted
	case res.Sent():
		return OutcomeUnconfirmed
	case errors.Is(res.Err(), nbe.ErrInvalidPath), errors.Is(res.Err(), nbe.ErrInvalidValue):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// Command is a single audited register write.
type Command struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial"`
	Path      string    `json:"path"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which commands to return.
type Filter struct {
	Path    string  // optional: exact register path
	Outcome Outcome // optional
	Source  string  // optional: api, mqtt
	Limit   int     // default 50, max 200
	Offset  int     // pagination offset
}

// ListResult contains the paginated command results.
type ListResult struct {
	Commands []Command `json:"commands"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// Device is a controller the bridge has completed a handshake with.
type Device struct {
	Serial    string    `json:"serial"`
	Host      string    `json:"host"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Repository defines the interface for audit operations.
type Repository interface {
	Record(ctx context.Context, cmd *Command) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	TouchDevice(ctx context.Context, serial, host string, at time.Time) error
	GetDevice(ctx context.Context, serial string) (*Device, error)
}

// SQLiteRepository stores audit records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts a command. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, cmd *Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO commands (id, serial, path, value, source, outcome, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Serial, cmd.Path, cmd.Value, cmd.Source, string(cmd.Outcome),
		nullableString(cmd.Error),
		cmd.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns commands matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Path != "" {
		conditions = append(conditions, "path = ?")
		args = append(args, filter.Path)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM commands %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting commands: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		"SELECT id, serial, path, value, source, outcome, error, created_at FROM commands %s ORDER BY created_at DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	commands := []Command{}
	for rows.Next() {
		var cmd Command
		var outcome, createdAt string
		var errText sql.NullString

		if err := rows.Scan(&cmd.ID, &cmd.Serial, &cmd.Path, &cmd.Value,
			&cmd.Source, &outcome, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}

		cmd.Outcome = Outcome(outcome)
		if errText.Valid {
			cmd.Error = errText.String
		}
		t, err := time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command timestamp %q: %w", createdAt, err)
		}
		cmd.CreatedAt = t

		commands = append(commands, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}

	return &ListResult{
		Commands: commands,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// TouchDevice records that the controller with the given serial was seen at
// host. The first call for a serial sets FirstSeen; every call moves LastSeen.
func (r *SQLiteRepository) TouchDevice(ctx context.Context, serial, host string, at time.Time) error {
	ts := at.UTC().Format(timeFormat)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (serial, host, first_seen, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(serial) DO UPDATE SET host = excluded.host, last_seen = excluded.last_seen`,
		serial, host, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", serial, err)
	}
	return nil
}

// GetDevice returns one controller record.
func (r *SQLiteRepository) GetDevice(ctx context.Context, serial string) (*Device, error) {
	var d Device
	var first, last string
	err := r.db.QueryRowContext(ctx,
		"SELECT serial, host, first_seen, last_seen FROM devices WHERE serial = ?", serial,
	).Scan(&d.Serial, &d.Host, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, serial)
	}
	if err != nil {
		return nil, fmt.Errorf("querying device %s: %w", serial, err)
	}

	if d.FirstSeen, err = time.Parse(timeFormat, first); err != nil {
		return nil, fmt.Errorf("parsing first_seen %q: %w", first, err)
	}
	if d.LastSeen, err = time.Parse(timeFormat, last); err != nil {
		return nil, fmt.Errorf("parsing last_seen %q: %w", last, err)
	}
	return &d, nil
}
