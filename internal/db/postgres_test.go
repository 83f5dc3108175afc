package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    Driver
		wantErr bool
	}{
		{in: "", want: DriverPostgres},
		{in: "pgx", want: DriverPostgres},
		{in: " SQLite ", want: DriverSQLite},
		{in: "sqlite3", want: DriverSQLite},
		{in: "mysql", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDriver(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("expected %q, got %q (err=%v)", tc.want, got, err)
			}
		})
	}
}

func TestOpenSQLiteSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory", t.Name())
	conn, err := Open(ctx, DriverSQLite, dsn, PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer conn.Close()

	if err := ensureSchema(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("second ensureSchema: %v", err)
	}

	now := Millis(time.Now())
	if _, err := conn.ExecContext(ctx, `INSERT INTO categories (id, title, created_at) VALUES ($1, $2, $3)`, "c1", "Math", now); err != nil {
		t.Fatalf("insert category: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO exams (id, category_id, title, duration_minutes, start_date, end_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, "e1", "c1", "Algebra", 30, now, now, "Active", now, now); err != nil {
		t.Fatalf("insert exam: %v", err)
	}

	insertAttempt := func(id, status string) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO attempts (id, user_id, exam_id, attempt_date, last_activity_at, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, "u1", "e1", now, now, status)
		return err
	}
	if err := insertAttempt("a1", "InProgress"); err != nil {
		t.Fatalf("insert first attempt: %v", err)
	}
	err = insertAttempt("a2", "InProgress")
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation for second in-progress attempt, got %v", err)
	}
	if err := insertAttempt("a3", "Completed"); err != nil {
		t.Fatalf("expected completed attempt to coexist, got %v", err)
	}
}

func TestIsUniqueViolationIgnoresOtherErrors(t *testing.T) {
	if IsUniqueViolation(nil) {
		t.Fatalf("nil must not be a unique violation")
	}
	if IsUniqueViolation(errors.New("connection refused")) {
		t.Fatalf("unexpected unique violation for unrelated error")
	}
}

func TestForUpdate(t *testing.T) {
	if ForUpdate(DriverPostgres) != " FOR UPDATE" {
		t.Fatalf("expected row lock on postgres")
	}
	if ForUpdate(DriverSQLite) != "" {
		t.Fatalf("expected no row lock on sqlite")
	}
}

func TestOpenPostgresIntegration(t *testing.T) {
	if os.Getenv("EXAMONLINE_INTEGRATION") != "1" {
		t.Skip("set EXAMONLINE_INTEGRATION=1 to run integration tests")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN is required")
	}
	conn, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	_ = conn.Close()
}
