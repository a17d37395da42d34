package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a dead letter.
type Kind string

const (
	// KindMalformed is an inbound payload that failed envelope validation.
	KindMalformed Kind = "malformed"

	// KindHandlerFault is a routed message whose handler returned an error or panicked.
	KindHandlerFault Kind = "handler_fault"
)

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// ErrInvalidEntry is returned by Create for entries without a kind or error.
var ErrInvalidEntry = errors.New("deadletter: invalid entry")

// Entry is one journaled message.
type Entry struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	Epoch           uint64    `json:"epoch"`
	Name            string    `json:"name,omitempty"`
	RegistrationKey string    `json:"registration_key,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	Pattern         string    `json:"pattern,omitempty"`
	Error           string    `json:"error"`
	Payload         []byte    `json:"payload,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Kind   Kind      // optional
	Name   string    // optional: exact message name
	Since  time.Time // optional: entries at or after this time
	Limit  int       // default 50, max 200
	Offset int       // pagination offset
}

// ListResult contains a page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the dead-letter journal operations.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository stores dead letters in the dead_letters table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new dead-letter repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry. ID and OccurredAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if entry.Kind != KindMalformed && entry.Kind != KindHandlerFault {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, entry.Kind)
	}
	if entry.Error == "" {
		return fmt.Errorf("%w: error is required", ErrInvalidEntry)
	}
	if entry.ID == "" {
		entry.ID = "dl-" + uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, kind, epoch, name, registration_key, message_id, pattern, error, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), int64(entry.Epoch), //nolint:gosec // epochs stay far below 2^63
		nullableString(entry.Name), nullableString(entry.RegistrationKey),
		nullableString(entry.MessageID), nullableString(entry.Pattern),
		entry.Error, entry.Payload,
		formatTime(entry.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// List returns entries matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Name != "" {
		conditions = append(conditions, "name = ?")
		args = append(args, filter.Name)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM dead_letters %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting dead letters: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, kind, epoch, name, registration_key, message_id, pattern, error, payload, occurred_at
		 FROM dead_letters %s ORDER BY occurred_at DESC, id LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var kind, occurredAt string
		var epoch int64
		var name, key, messageID, pattern sql.NullString

		if err := rows.Scan(&e.ID, &kind, &epoch, &name, &key, &messageID, &pattern,
			&e.Error, &e.Payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}

		e.Kind = Kind(kind)
		e.Epoch = uint64(epoch) //nolint:gosec // stored from a uint64
		e.Name = name.String
		e.RegistrationKey = key.String
		e.MessageID = messageID.String
		e.Pattern = pattern.String

		t, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing dead letter timestamp %q: %w", occurredAt, err)
		}
		e.OccurredAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Purge deletes entries that occurred before the given time and returns how
// many were removed.
func (r *SQLiteRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE occurred_at < ?", formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purging dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging dead letters: %w", err)
	}
	return n, nil
}

// formatTime renders t so that lexical order equals chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// nullableString returns nil for empty strings so optional TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
