package records

import (
	"context"
	"strings"
)

// Store persists the data-entry records of the health portal. Create methods
// validate their input and fill in ID, CreatedAt and defaults.
type Store interface {
	CreateAppointment(ctx context.Context, a Appointment) (Appointment, error)
	// ListAppointments returns a user's appointments, soonest first.
	ListAppointments(ctx context.Context, userID string) ([]Appointment, error)
	DeleteAppointment(ctx context.Context, userID, id string) error

	CreateReminder(ctx context.Context, r Reminder) (Reminder, error)
	// ListReminders returns a user's reminders, newest first.
	ListReminders(ctx context.Context, userID string) ([]Reminder, error)
	SetReminderActive(ctx context.Context, userID, id string, active bool) (Reminder, error)
	DeleteReminder(ctx context.Context, userID, id string) error

	SubmitFeedback(ctx context.Context, f Feedback) (Feedback, error)

	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
