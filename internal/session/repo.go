package session

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists sessions and classroom locations in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateLocation inserts a classroom location.
func (r *Repository) CreateLocation(ctx context.Context, loc Location) (Location, error) {
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classroom_locations (id, name, building, room, lat, lon, radius_m)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, loc.ID, loc.Name, loc.Building, loc.Room, loc.Lat, loc.Lon, loc.RadiusM)
	return loc, err
}

// GetLocation returns a location or nil when absent.
func (r *Repository) GetLocation(ctx context.Context, id string) (*Location, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, building, room, lat, lon, radius_m
		FROM classroom_locations WHERE id = $1
	`, id)
	var loc Location
	if err := row.Scan(&loc.ID, &loc.Name, &loc.Building, &loc.Room, &loc.Lat, &loc.Lon, &loc.RadiusM); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &loc, nil
}

// ListLocations returns all locations ordered by name.
func (r *Repository) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, building, room, lat, lon, radius_m
		FROM classroom_locations ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Building, &loc.Room, &loc.Lat, &loc.Lon, &loc.RadiusM); err != nil {
			return nil, err
		}
		res = append(res, loc)
	}
	return res, rows.Err()
}

// CreateSession inserts a session. The secret is stored hex-encoded and is
// never returned by list/read endpoints.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions
			(id, course_id, teacher_id, location_id, radius_m, rotation_seconds,
			 require_gps, require_selfie, secret, status, started_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.ID, s.CourseID, s.TeacherID, s.LocationID, s.RadiusM, s.RotationSeconds,
		s.RequireGPS, s.RequireSelfie, hex.EncodeToString(s.Secret), s.Status,
		s.StartedAt, s.ExpiresAt)
	return s, err
}

// GetSession returns a session or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, teacher_id, location_id, radius_m, rotation_seconds,
		       require_gps, require_selfie, secret, status, started_at, expires_at, ended_at
		FROM attendance_sessions WHERE id = $1
	`, id)
	var s Session
	var secretHex string
	if err := row.Scan(&s.ID, &s.CourseID, &s.TeacherID, &s.LocationID, &s.RadiusM,
		&s.RotationSeconds, &s.RequireGPS, &s.RequireSelfie, &secretHex, &s.Status,
		&s.StartedAt, &s.ExpiresAt, &s.EndedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, err
	}
	s.Secret = secret
	return &s, nil
}

// EndSession stamps the end time. Only active sessions transition; ending an
// already-ended session matches zero rows and stays a no-op.
func (r *Repository) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = $2, ended_at = $3
		WHERE id = $1 AND status = $4
	`, id, StatusEnded, endedAt, StatusActive)
	return err
}
