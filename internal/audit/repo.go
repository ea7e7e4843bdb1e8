package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists attempts in Postgres. It intentionally exposes no
// update or delete operation.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Append inserts one attempt row.
func (r *Repository) Append(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO proxy_attempts
			(id, session_id, student_id, attempt_type, reason, device_fingerprint,
			 network_origin, lat, lon, token, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.ID, a.SessionID, a.StudentID, a.Type, a.Reason, a.Fingerprint,
		a.NetworkOrigin, a.Lat, a.Lon, a.Token, a.CreatedAt)
	return err
}

// List returns attempts matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Attempt, error) {
	query := `
		SELECT id, session_id, student_id, attempt_type, reason, device_fingerprint,
		       network_origin, lat, lon, token, created_at
		FROM proxy_attempts`
	args := []any{}
	clauses := []string{}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if f.AttemptType != "" {
		args = append(args, f.AttemptType)
		clauses = append(clauses, fmt.Sprintf("attempt_type = $%d", len(args)))
	}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.SessionID, &a.StudentID, &a.Type, &a.Reason,
			&a.Fingerprint, &a.NetworkOrigin, &a.Lat, &a.Lon, &a.Token, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
