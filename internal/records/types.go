package records

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrValidation = errors.New("validation failed")
)

const (
	GuestUserID = "guest-user"

	StatusScheduled = "scheduled"
)

var appointmentTypes = map[string]bool{
	"consultation": true,
	"checkup":      true,
	"followup":     true,
	"emergency":    true,
}

var reminderFrequencies = map[string]bool{
	"once-daily":        true,
	"twice-daily":       true,
	"three-times-daily": true,
	"as-needed":         true,
}

type Appointment struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ProviderName    string    `json:"provider_name"`
	AppointmentDate time.Time `json:"appointment_date"`
	AppointmentType string    `json:"appointment_type"`
	Notes           string    `json:"notes"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks required fields and normalizes the record for insertion.
func (a *Appointment) Validate() error {
	a.ProviderName = strings.TrimSpace(a.ProviderName)
	a.AppointmentType = strings.TrimSpace(a.AppointmentType)
	a.Notes = strings.TrimSpace(a.Notes)
	if a.ProviderName == "" || a.AppointmentDate.IsZero() || a.AppointmentType == "" {
		return fmt.Errorf("%w: provider_name, appointment_date and appointment_type are required", ErrValidation)
	}
	if !appointmentTypes[a.AppointmentType] {
		return fmt.Errorf("%w: unknown appointment_type %q", ErrValidation, a.AppointmentType)
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	a.AppointmentDate = a.AppointmentDate.UTC()
	return nil
}

type Reminder struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	MedicineName string    `json:"medicine_name"`
	Dosage       string    `json:"dosage"`
	Frequency    string    `json:"frequency"`
	TimeOfDay    string    `json:"time_of_day"`
	StartDate    string    `json:"start_date"`
	EndDate      *string   `json:"end_date"`
	Notes        string    `json:"notes"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *Reminder) Validate() error {
	r.MedicineName = strings.TrimSpace(r.MedicineName)
	r.Dosage = strings.TrimSpace(r.Dosage)
	r.Frequency = strings.TrimSpace(r.Frequency)
	r.TimeOfDay = strings.TrimSpace(r.TimeOfDay)
	r.StartDate = strings.TrimSpace(r.StartDate)
	r.Notes = strings.TrimSpace(r.Notes)
	if r.MedicineName == "" || r.Dosage == "" || r.Frequency == "" || r.TimeOfDay == "" || r.StartDate == "" {
		return fmt.Errorf("%w: medicine_name, dosage, frequency, time_of_day and start_date are required", ErrValidation)
	}
	if !reminderFrequencies[r.Frequency] {
		return fmt.Errorf("%w: unknown frequency %q", ErrValidation, r.Frequency)
	}
	if _, err := time.Parse("15:04", r.TimeOfDay); err != nil {
		return fmt.Errorf("%w: time_of_day must be HH:MM", ErrValidation)
	}
	start, err := time.Parse(time.DateOnly, r.StartDate)
	if err != nil {
		return fmt.Errorf("%w: start_date must be YYYY-MM-DD", ErrValidation)
	}
	if r.EndDate != nil {
		end := strings.TrimSpace(*r.EndDate)
		if end == "" {
			r.EndDate = nil
		} else {
			endAt, err := time.Parse(time.DateOnly, end)
			if err != nil {
				return fmt.Errorf("%w: end_date must be YYYY-MM-DD", ErrValidation)
			}
			if endAt.Before(start) {
				return fmt.Errorf("%w: end_date is before start_date", ErrValidation)
			}
			r.EndDate = &end
		}
	}
	return nil
}

type Feedback struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Message   string    `json:"message"`
	Rating    *int      `json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

func (f *Feedback) Validate() error {
	f.Name = strings.TrimSpace(f.Name)
	f.Email = strings.TrimSpace(f.Email)
	f.Message = strings.TrimSpace(f.Message)
	if f.Name == "" || f.Email == "" || f.Message == "" {
		return fmt.Errorf("%w: name, email and message are required", ErrValidation)
	}
	if _, err := mail.ParseAddress(f.Email); err != nil {
		return fmt.Errorf("%w: invalid email", ErrValidation)
	}
	// An unset star rating arrives as 0 and is stored as null.
	if f.Rating != nil && *f.Rating == 0 {
		f.Rating = nil
	}
	if f.Rating != nil && (*f.Rating < 1 || *f.Rating > 5) {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrValidation)
	}
	return nil
}

func userOrGuest(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return GuestUserID
	}
	return userID
}
