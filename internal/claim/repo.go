package claim

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"presence/internal/geo"
)

// Repository persists students, device bindings and attendance records in
// Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertStudent links an account to a student profile.
func (r *Repository) UpsertStudent(ctx context.Context, accountID, studentID, name string) error {
	if accountID == "" || studentID == "" {
		return errors.New("account id and student id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, account_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET name = EXCLUDED.name
	`, studentID, accountID, name)
	return err
}

// StudentIDByAccount resolves the student profile for an account, or ""
// when the account has none.
func (r *Repository) StudentIDByAccount(ctx context.Context, accountID string) (string, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id FROM students WHERE account_id = $1`, accountID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// DeviceFingerprint returns the registered fingerprint for a student in a
// course context, or "" when none is registered yet.
func (r *Repository) DeviceFingerprint(ctx context.Context, studentID, courseID string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT fingerprint FROM student_devices
		WHERE student_id = $1 AND course_id = $2
	`, studentID, courseID)
	var fp string
	if err := row.Scan(&fp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return fp, nil
}

// RegisterDevice binds a fingerprint on first use. A concurrent first use
// keeps whichever registration landed first.
func (r *Repository) RegisterDevice(ctx context.Context, studentID, courseID, fingerprint string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO student_devices (student_id, course_id, fingerprint, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id, course_id) DO NOTHING
	`, studentID, courseID, fingerprint, time.Now().UTC())
	return err
}

// HasRecord reports whether attendance is already marked.
func (r *Repository) HasRecord(ctx context.Context, sessionID, studentID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InsertRecord writes the attendance record. The unique (session_id,
// student_id) constraint turns a concurrent duplicate into ErrAlreadyMarked.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var lat, lon *float64
	if rec.Coordinates != nil {
		lat = &rec.Coordinates.Lat
		lon = &rec.Coordinates.Lon
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, marked_at, device_fingerprint, lat, lon, distance_m, selfie_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.SessionID, rec.StudentID, rec.MarkedAt, rec.Fingerprint, lat, lon, rec.DistanceM, rec.SelfieRef)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyMarked
		}
		return Record{}, err
	}
	return rec, nil
}

// ListRecords returns the attendance records for a session.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, marked_at, device_fingerprint, lat, lon, distance_m, selfie_ref
		FROM attendance_records WHERE session_id = $1 ORDER BY marked_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		var lat, lon *float64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.MarkedAt,
			&rec.Fingerprint, &lat, &lon, &rec.DistanceM, &rec.SelfieRef); err != nil {
			return nil, err
		}
		if lat != nil && lon != nil {
			rec.Coordinates = &geo.Coordinate{Lat: *lat, Lon: *lon}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
