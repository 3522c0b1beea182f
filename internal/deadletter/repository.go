package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleetbus/internal/stream"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Page size limits for List.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Filter controls which records List returns.
type Filter struct {
	Stream   stream.Type // optional
	Category string      // optional: control, realtime or report
	EntityID string      // optional
	Since    time.Time   // optional: failed_at >= Since
	Limit    int         // default 50, max 500
	Offset   int
}

// ListResult is one page of archived records.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Repository stores dead-letter records.
type Repository interface {
	// Insert stores r. It reports false without error if a record with the
	// same ID is already archived.
	Insert(ctx context.Context, r Record) (bool, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository archives records in the dead_letters table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over db. The dead_letters table is
// created by the embedded migrations.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert implements Repository.
func (r *SQLiteRepository) Insert(ctx context.Context, rec Record) (bool, error) {
	var messageID, envelope any
	if rec.Envelope != nil {
		b, err := json.Marshal(rec.Envelope)
		if err != nil {
			return false, fmt.Errorf("encoding dead letter envelope: %w", err)
		}
		messageID = rec.Envelope.ID
		envelope = string(b)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dead_letters
		 (id, message_id, stream, category, entity_id, delivery_attempt, reason,
		  source_queue, routing_key, envelope, raw, failed_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, messageID, string(rec.Stream), rec.Category(), nullableString(rec.EntityID),
		rec.Attempts, rec.Reason, rec.SourceQueue, rec.Key, envelope, rec.Raw,
		rec.FailedAt.UTC().Format(timeLayout),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("inserting dead letter %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting dead letter %s: %w", rec.ID, err)
	}
	return n == 1, nil
}

const selectColumns = `id, stream, entity_id, delivery_attempt, reason,
	source_queue, routing_key, envelope, raw, failed_at`

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM dead_letters WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List implements Repository. Records are ordered newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Stream != "" {
		conditions = append(conditions, "stream = ?")
		args = append(args, string(filter.Stream))
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "failed_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM dead_letters " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting dead letters: %w", err)
	}

	query := "SELECT " + selectColumns + " FROM dead_letters " + where + //nolint:gosec // WHERE built from parameterised conditions
		" ORDER BY failed_at DESC, id LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec                  Record
		entityID, envelope   sql.NullString
		streamName, failedAt string
	)
	if err := s.Scan(&rec.ID, &streamName, &entityID, &rec.Attempts, &rec.Reason,
		&rec.SourceQueue, &rec.Key, &envelope, &rec.Raw, &failedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning dead letter: %w", err)
	}

	rec.Stream = stream.Type(streamName)
	rec.EntityID = entityID.String

	t, err := time.Parse(timeLayout, failedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing dead letter timestamp %q: %w", failedAt, err)
	}
	rec.FailedAt = t

	if envelope.Valid {
		env, err := stream.DecodeEnvelope([]byte(envelope.String))
		if err != nil {
			return Record{}, fmt.Errorf("decoding archived envelope of %s: %w", rec.ID, err)
		}
		rec.Envelope = &env
	}
	return rec, nil
}

// nullableString returns nil for empty strings so they are stored as NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
