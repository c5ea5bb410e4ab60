package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	appLog "prayerd/internal/log"
)

// Notifier delivers a fired trigger to the user.
type Notifier interface {
	Notify(ctx context.Context, id string, p Payload) error
}

// LogNotifier only logs fired triggers.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, id string, p Payload) error {
	appLog.Info("trigger fired",
		"id", id,
		"event", p.Event,
		"date", p.Date.String(),
		"pre_alarm", p.PreAlarm,
		"lead_minutes", p.LeadMinutes,
	)
	return nil
}

// Dispatcher is an in-process alarm clock: one timer per registered id,
// calling the Notifier when it fires.
type Dispatcher struct {
	notifier Notifier
	now      func() time.Time
	// afterFunc is time.AfterFunc; swapped in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	pending map[string]*dispatchEntry
	baseCtx context.Context
}

type dispatchEntry struct {
	reg   Registration
	timer *time.Timer
}

// NewDispatcher returns a Dispatcher delivering to n. ctx bounds the
// notifications it sends; canceling it does not stop timers (use CancelAll).
func NewDispatcher(ctx context.Context, n Notifier) *Dispatcher {
	if n == nil {
		n = LogNotifier{}
	}
	return &Dispatcher{
		notifier:  n,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		pending:   make(map[string]*dispatchEntry),
		baseCtx:   ctx,
	}
}

func (d *Dispatcher) Register(_ context.Context, id string, fireAt time.Time, p Payload) error {
	wait := fireAt.Sub(d.now())
	if wait <= 0 {
		return fmt.Errorf("%w: %s at %s", ErrInPast, id, fireAt.Format(time.RFC3339))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.pending[id]; ok {
		prev.timer.Stop()
	}

	entry := &dispatchEntry{reg: Registration{ID: id, FireAt: fireAt, Payload: p}}
	entry.timer = d.afterFunc(wait, func() { d.fire(entry) })
	d.pending[id] = entry
	return nil
}

func (d *Dispatcher) fire(entry *dispatchEntry) {
	d.mu.Lock()
	current, ok := d.pending[entry.reg.ID]
	if !ok || current != entry {
		// Canceled or replaced after the timer was already running.
		d.mu.Unlock()
		return
	}
	delete(d.pending, entry.reg.ID)
	d.mu.Unlock()

	if err := d.notifier.Notify(d.baseCtx, entry.reg.ID, entry.reg.Payload); err != nil {
		appLog.Error("trigger delivery failed", err, "id", entry.reg.ID)
	}
}

func (d *Dispatcher) Cancel(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.pending[id]; ok {
		e.timer.Stop()
		delete(d.pending, id)
	}
	return nil
}

func (d *Dispatcher) CancelAll(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, id)
	}
	return nil
}

// Pending returns the registrations that have not fired yet.
func (d *Dispatcher) Pending() []Registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := make(map[string]Registration, len(d.pending))
	for id, e := range d.pending {
		regs[id] = e.reg
	}
	return sortedRegistrations(regs)
}
