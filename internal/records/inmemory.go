package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps records in process memory for local/dev use.
type InMemoryStore struct {
	mu           sync.RWMutex
	appointments map[string]Appointment
	reminders    map[string]Reminder
	feedback     []Feedback
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		appointments: make(map[string]Appointment),
		reminders:    make(map[string]Reminder),
	}
}

func (s *InMemoryStore) CreateAppointment(_ context.Context, a Appointment) (Appointment, error) {
	if err := a.Validate(); err != nil {
		return Appointment{}, err
	}
	a.ID = uuid.NewString()
	a.UserID = userOrGuest(a.UserID)
	a.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.ID] = a
	return a, nil
}

func (s *InMemoryStore) ListAppointments(_ context.Context, userID string) ([]Appointment, error) {
	userID = userOrGuest(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Appointment, 0)
	for _, a := range s.appointments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AppointmentDate.Before(out[j].AppointmentDate)
	})
	return out, nil
}

func (s *InMemoryStore) DeleteAppointment(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok || a.UserID != userOrGuest(userID) {
		return ErrNotFound
	}
	delete(s.appointments, id)
	return nil
}

func (s *InMemoryStore) CreateReminder(_ context.Context, r Reminder) (Reminder, error) {
	if err := r.Validate(); err != nil {
		return Reminder{}, err
	}
	r.ID = uuid.NewString()
	r.UserID = userOrGuest(r.UserID)
	r.IsActive = true
	r.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders[r.ID] = r
	return r, nil
}

func (s *InMemoryStore) ListReminders(_ context.Context, userID string) ([]Reminder, error) {
	userID = userOrGuest(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reminder, 0)
	for _, r := range s.reminders {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SetReminderActive(_ context.Context, userID, id string, active bool) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.UserID != userOrGuest(userID) {
		return Reminder{}, ErrNotFound
	}
	r.IsActive = active
	s.reminders[id] = r
	return r, nil
}

func (s *InMemoryStore) DeleteReminder(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.UserID != userOrGuest(userID) {
		return ErrNotFound
	}
	delete(s.reminders, id)
	return nil
}

func (s *InMemoryStore) SubmitFeedback(_ context.Context, f Feedback) (Feedback, error) {
	if err := f.Validate(); err != nil {
		return Feedback{}, err
	}
	f.ID = uuid.NewString()
	f.UserID = userOrGuest(f.UserID)
	f.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, f)
	return f, nil
}

func (s *InMemoryStore) Close() error { return nil }
