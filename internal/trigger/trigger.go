// Package trigger is the boundary to whatever actually fires alarms.
//
// The scheduler only ever talks to a Registrar. Which implementation backs
// it (in-memory, in-process timers with push delivery, an iCalendar feed)
// is decided once at composition time.
package trigger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"prayerd/internal/model"
)

// ErrInPast is returned when asked to register a trigger that already fired.
var ErrInPast = errors.New("trigger: fire time is in the past")

// Payload travels with a trigger and is handed back when it fires.
type Payload struct {
	Event       model.EventName `json:"event"`
	Date        model.Date      `json:"date"`
	PreAlarm    bool            `json:"pre_alarm"`
	LeadMinutes int             `json:"lead_minutes,omitempty"`
	PlaySound   bool            `json:"play_sound"`
}

// Registrar registers and cancels triggers by id. Registering an id that
// already exists replaces it.
type Registrar interface {
	Register(ctx context.Context, id string, fireAt time.Time, p Payload) error
	Cancel(ctx context.Context, id string) error
	CancelAll(ctx context.Context) error
}

// Registration is a registered trigger as seen by inspection helpers.
type Registration struct {
	ID      string    `json:"id"`
	FireAt  time.Time `json:"fire_at"`
	Payload Payload   `json:"payload"`
}

// Memory records registrations without firing anything. It backs headless
// runs where no alarm facility exists, and tests.
type Memory struct {
	mu   sync.Mutex
	regs map[string]Registration
}

func NewMemory() *Memory {
	return &Memory{regs: make(map[string]Registration)}
}

func (m *Memory) Register(_ context.Context, id string, fireAt time.Time, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[id] = Registration{ID: id, FireAt: fireAt, Payload: p}
	return nil
}

func (m *Memory) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, id)
	return nil
}

func (m *Memory) CancelAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = make(map[string]Registration)
	return nil
}

// Registered returns the current registrations sorted by fire time.
func (m *Memory) Registered() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedRegistrations(m.regs)
}

func sortedRegistrations(regs map[string]Registration) []Registration {
	out := make([]Registration, 0, len(regs))
	for _, r := range regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Mirror forwards to Primary and records into Record what Primary accepted,
// so Record lists exactly the triggers that are live in the backend.
type Mirror struct {
	Primary Registrar
	Record  *Memory
}

func (m Mirror) Register(ctx context.Context, id string, fireAt time.Time, p Payload) error {
	if err := m.Primary.Register(ctx, id, fireAt, p); err != nil {
		return err
	}
	return m.Record.Register(ctx, id, fireAt, p)
}

func (m Mirror) Cancel(ctx context.Context, id string) error {
	_ = m.Record.Cancel(ctx, id)
	return m.Primary.Cancel(ctx, id)
}

func (m Mirror) CancelAll(ctx context.Context) error {
	_ = m.Record.CancelAll(ctx)
	return m.Primary.CancelAll(ctx)
}
