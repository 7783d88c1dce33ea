package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists appointments, reminders and feedback in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			appointment_date TIMESTAMPTZ NOT NULL,
			appointment_type TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_user_date ON appointments (user_id, appointment_date);`,
		`CREATE TABLE IF NOT EXISTS medicine_reminders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			medicine_name TEXT NOT NULL,
			dosage TEXT NOT NULL,
			frequency TEXT NOT NULL,
			time_of_day TEXT NOT NULL,
			start_date DATE NOT NULL,
			end_date DATE,
			notes TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_user_created ON medicine_reminders (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			message TEXT NOT NULL,
			rating SMALLINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	if err := a.Validate(); err != nil {
		return Appointment{}, err
	}
	a.ID = uuid.NewString()
	a.UserID = userOrGuest(a.UserID)
	a.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO appointments (id, user_id, provider_name, appointment_date, appointment_type, notes, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UserID, a.ProviderName, a.AppointmentDate, a.AppointmentType, a.Notes, a.Status, a.CreatedAt,
	)
	if err != nil {
		return Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAppointments(ctx context.Context, userID string) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, provider_name, appointment_date, appointment_type, notes, status, created_at
		 FROM appointments WHERE user_id=$1 ORDER BY appointment_date ASC`,
		userOrGuest(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	out := make([]Appointment, 0)
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProviderName, &a.AppointmentDate, &a.AppointmentType, &a.Notes, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointment rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteAppointment(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM appointments WHERE id=$1 AND user_id=$2`, id, userOrGuest(userID))
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const reminderColumns = `id, user_id, medicine_name, dosage, frequency, time_of_day,
	to_char(start_date, 'YYYY-MM-DD'), to_char(end_date, 'YYYY-MM-DD'), notes, is_active, created_at`

func scanReminder(row pgx.Row) (Reminder, error) {
	var r Reminder
	err := row.Scan(&r.ID, &r.UserID, &r.MedicineName, &r.Dosage, &r.Frequency, &r.TimeOfDay,
		&r.StartDate, &r.EndDate, &r.Notes, &r.IsActive, &r.CreatedAt)
	return r, err
}

func (s *PostgresStore) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if err := r.Validate(); err != nil {
		return Reminder{}, err
	}
	r.ID = uuid.NewString()
	r.UserID = userOrGuest(r.UserID)
	r.IsActive = true
	r.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO medicine_reminders (id, user_id, medicine_name, dosage, frequency, time_of_day, start_date, end_date, notes, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8::date, $9, $10, $11)`,
		r.ID, r.UserID, r.MedicineName, r.Dosage, r.Frequency, r.TimeOfDay, r.StartDate, r.EndDate, r.Notes, r.IsActive, r.CreatedAt,
	)
	if err != nil {
		return Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReminders(ctx context.Context, userID string) ([]Reminder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reminderColumns+` FROM medicine_reminders WHERE user_id=$1 ORDER BY created_at DESC`,
		userOrGuest(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	out := make([]Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetReminderActive(ctx context.Context, userID, id string, active bool) (Reminder, error) {
	r, err := scanReminder(s.pool.QueryRow(ctx,
		`UPDATE medicine_reminders SET is_active=$3 WHERE id=$1 AND user_id=$2 RETURNING `+reminderColumns,
		id, userOrGuest(userID), active,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("update reminder: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) DeleteReminder(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM medicine_reminders WHERE id=$1 AND user_id=$2`, id, userOrGuest(userID))
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SubmitFeedback(ctx context.Context, f Feedback) (Feedback, error) {
	if err := f.Validate(); err != nil {
		return Feedback{}, err
	}
	f.ID = uuid.NewString()
	f.UserID = userOrGuest(f.UserID)
	f.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, user_id, name, email, message, rating, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.UserID, f.Name, f.Email, f.Message, f.Rating, f.CreatedAt,
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("submit feedback: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
