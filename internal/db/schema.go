package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Timestamps are stored as unix milliseconds on both dialects so interval
// arithmetic (attempt_date + duration) reads the same everywhere.
var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON`,
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		icon TEXT NOT NULL DEFAULT '',
		duration_minutes INTEGER NOT NULL,
		start_date INTEGER NOT NULL,
		end_date INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		type TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS choices (
		id TEXT PRIMARY KEY,
		question_id TEXT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		is_correct BOOLEAN NOT NULL DEFAULT 0,
		choice_type TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		attempt_date INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		duration_taken_seconds INTEGER NOT NULL DEFAULT 0,
		score INTEGER NOT NULL DEFAULT 0,
		correct_answers INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attempts_one_in_progress
		ON attempts (user_id, exam_id) WHERE status = 'InProgress'`,
	`CREATE INDEX IF NOT EXISTS attempts_user_date ON attempts (user_id, attempt_date, id)`,
	`CREATE INDEX IF NOT EXISTS attempts_status_date ON attempts (status, attempt_date)`,
	`CREATE TABLE IF NOT EXISTS answers (
		attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
		question_id TEXT NOT NULL,
		choice_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS answers_attempt_question ON answers (attempt_id, question_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		icon TEXT NOT NULL DEFAULT '',
		duration_minutes INTEGER NOT NULL,
		start_date BIGINT NOT NULL,
		end_date BIGINT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		type TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS choices (
		id TEXT PRIMARY KEY,
		question_id TEXT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		is_correct BOOLEAN NOT NULL DEFAULT FALSE,
		choice_type TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		attempt_date BIGINT NOT NULL,
		last_activity_at BIGINT NOT NULL,
		duration_taken_seconds INTEGER NOT NULL DEFAULT 0,
		score INTEGER NOT NULL DEFAULT 0,
		correct_answers INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attempts_one_in_progress
		ON attempts (user_id, exam_id) WHERE status = 'InProgress'`,
	`CREATE INDEX IF NOT EXISTS attempts_user_date ON attempts (user_id, attempt_date DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS attempts_status_date ON attempts (status, attempt_date)`,
	`CREATE TABLE IF NOT EXISTS answers (
		attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
		question_id TEXT NOT NULL,
		choice_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS answers_attempt_question ON answers (attempt_id, question_id)`,
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	stmts := postgresSchema
	if driver == DriverSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err came from a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ForUpdate is the row-lock suffix for the driver. SQLite serialises
// writers already and has no FOR UPDATE.
func ForUpdate(driver Driver) string {
	if driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}
