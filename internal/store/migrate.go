package store

import (
	"database/sql"
	"log"
)

// Migrate applies the schema. Statements are idempotent so startup can run
// them unconditionally. proxy_attempts deliberately has no UPDATE or DELETE
// anywhere in this codebase; the unique index on attendance_records is what
// makes concurrent duplicate claims lose cleanly.
func Migrate(db *sql.DB) error {
	log.Println("running database migrations...")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS classroom_locations (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			building  TEXT,
			room      TEXT,
			lat       DOUBLE PRECISION NOT NULL,
			lon       DOUBLE PRECISION NOT NULL,
			radius_m  DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_sessions (
			id               TEXT PRIMARY KEY,
			course_id        TEXT NOT NULL,
			teacher_id       TEXT NOT NULL,
			location_id      TEXT REFERENCES classroom_locations(id),
			radius_m         DOUBLE PRECISION NOT NULL DEFAULT 0,
			rotation_seconds INT NOT NULL DEFAULT 30,
			require_gps      BOOLEAN NOT NULL DEFAULT FALSE,
			require_selfie   BOOLEAN NOT NULL DEFAULT FALSE,
			secret           TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			started_at       TIMESTAMPTZ NOT NULL,
			expires_at       TIMESTAMPTZ NOT NULL,
			ended_at         TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS students (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE,
			name       TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS student_devices (
			student_id    TEXT NOT NULL,
			course_id     TEXT NOT NULL,
			fingerprint   TEXT NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (student_id, course_id)
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id                 TEXT PRIMARY KEY,
			session_id         TEXT NOT NULL,
			student_id         TEXT NOT NULL,
			marked_at          TIMESTAMPTZ NOT NULL,
			device_fingerprint TEXT NOT NULL,
			lat                DOUBLE PRECISION,
			lon                DOUBLE PRECISION,
			distance_m         DOUBLE PRECISION,
			selfie_ref         TEXT,
			UNIQUE (session_id, student_id)
		)`,
		`CREATE TABLE IF NOT EXISTS proxy_attempts (
			id                 TEXT PRIMARY KEY,
			session_id         TEXT,
			student_id         TEXT,
			attempt_type       TEXT NOT NULL,
			reason             TEXT NOT NULL,
			device_fingerprint TEXT,
			network_origin     TEXT,
			lat                DOUBLE PRECISION,
			lon                DOUBLE PRECISION,
			token              TEXT,
			created_at         TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_attempts_created ON proxy_attempts (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_attempts_student ON proxy_attempts (student_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	log.Println("database migrations completed")
	return nil
}
