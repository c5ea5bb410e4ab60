// Package schedule turns daily prayer times into fire-at triggers.
//
// Scheduler.Build is the pure part: a rolling horizon of days, each computed
// through a calc.Provider, flattened into main and pre-alarm entries.
// Rebuilder applies a plan to a trigger.Registrar by full replacement, and
// Coordinator serializes rebuild requests so passes never overlap.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"prayerd/internal/calc"
	appLog "prayerd/internal/log"
	"prayerd/internal/model"
)

// DefaultHorizonDays is used when a request does not set a horizon.
const DefaultHorizonDays = 7

// Request carries everything one scheduling pass reads.
type Request struct {
	// Coords nil means no location is configured yet.
	Coords      *model.Coordinates
	Calc        model.CalculationConfig
	Notify      model.NotificationConfig
	HorizonDays int

	// Now anchors the pass. Zero means "when the pass runs", in Location.
	Now time.Time
	// Location is the local calendar; nil means time.Local. Ignored when Now
	// is set (Now's own location is used).
	Location *time.Location
}

// Plan is the output of one Build.
type Plan struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Entries     []model.ScheduleEntry `json:"entries"`
	Days        []model.DailyEventSet `json:"-"`
	// Failed lists dates the provider could not compute.
	Failed []model.Date `json:"failed,omitempty"`
	// Unordered lists computed dates whose instants are not increasing.
	Unordered []model.Date `json:"unordered,omitempty"`
}

// IDs returns the entry ids in plan order.
func (p Plan) IDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		ids = append(ids, e.ID)
	}
	return ids
}

type Scheduler struct {
	provider calc.Provider
	now      func() time.Time
}

func NewScheduler(p calc.Provider) *Scheduler {
	return &Scheduler{provider: p, now: time.Now}
}

// resolveNow returns the instant a request is evaluated at.
func (s *Scheduler) resolveNow(req Request) time.Time {
	if !req.Now.IsZero() {
		return req.Now
	}
	loc := req.Location
	if loc == nil {
		loc = time.Local
	}
	return s.now().In(loc)
}

// Build computes the horizon and returns its entries sorted by fire time,
// then id. Days the provider fails on (error or panic) are logged, listed in
// Plan.Failed and skipped. Missing or invalid coordinates yield an empty
// plan and model.ErrConfigurationMissing; that is the only error besides ctx
// cancellation.
func (s *Scheduler) Build(ctx context.Context, req Request) (Plan, error) {
	now := s.resolveNow(req)
	plan := Plan{GeneratedAt: now, Entries: []model.ScheduleEntry{}}

	if req.Coords == nil || !req.Coords.Valid() {
		return plan, model.ErrConfigurationMissing
	}

	days := req.HorizonDays
	if days <= 0 {
		days = DefaultHorizonDays
	}

	dates, err := horizonDates(model.DateOf(now), days)
	if err != nil {
		return plan, err
	}

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return plan, err
		}

		set, err := s.computeDay(*req.Coords, req.Calc, date)
		if err != nil {
			appLog.Error("schedule: day skipped", err, "date", date.String())
			plan.Failed = append(plan.Failed, date)
			continue
		}
		if !set.Ordered() {
			appLog.Warn("schedule: event instants out of order", "date", date.String())
			plan.Unordered = append(plan.Unordered, date)
		}

		plan.Days = append(plan.Days, set)
		plan.Entries = append(plan.Entries, entriesForDay(set, req.Notify, now)...)
	}

	sort.Slice(plan.Entries, func(i, j int) bool {
		a, b := plan.Entries[i], plan.Entries[j]
		if !a.FireAt.Equal(b.FireAt) {
			return a.FireAt.Before(b.FireAt)
		}
		return a.ID < b.ID
	})

	appLog.Debug("schedule: plan built",
		"from", dates[0].String(),
		"days", days,
		"entries", len(plan.Entries),
		"failed_days", len(plan.Failed),
	)
	return plan, nil
}

// computeDay isolates a single provider call, converting a panic into an
// error so it only costs that one date.
func (s *Scheduler) computeDay(coords model.Coordinates, cfg model.CalculationConfig, date model.Date) (set model.DailyEventSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return s.provider.Compute(coords, cfg, date)
}

// entriesForDay emits a main entry for every enabled event still ahead of
// now, and a pre-alarm entry for every event with a positive lead whose
// reminder is still ahead of now.
func entriesForDay(set model.DailyEventSet, notify model.NotificationConfig, now time.Time) []model.ScheduleEntry {
	var out []model.ScheduleEntry
	for i, e := range model.AllEvents {
		at := set.Times[i]
		if at.IsZero() {
			continue
		}

		if notify.Enabled[e] && at.After(now) {
			out = append(out, model.ScheduleEntry{
				ID:     model.EntryID(model.KindMain, e, set.Date),
				Event:  e,
				Date:   set.Date,
				FireAt: at,
				Kind:   model.KindMain,
			})
		}

		lead := notify.Lead(e)
		if lead == 0 {
			continue
		}
		pre := at.Add(-time.Duration(lead) * time.Minute)
		if pre.After(now) {
			out = append(out, model.ScheduleEntry{
				ID:          model.EntryID(model.KindPreAlarm, e, set.Date),
				Event:       e,
				Date:        set.Date,
				FireAt:      pre,
				Kind:        model.KindPreAlarm,
				LeadMinutes: lead,
			})
		}
	}
	return out
}

// SchedulingChanged reports whether moving from a to b requires a rebuild:
// location, calculation settings, horizon, calendar zone, any enabled flag,
// any pre-alarm lead or the sound flag differ. Now is ignored.
func SchedulingChanged(a, b Request) bool {
	switch {
	case (a.Coords == nil) != (b.Coords == nil):
		return true
	case a.Coords != nil && *a.Coords != *b.Coords:
		return true
	case a.Calc != b.Calc:
		return true
	case a.HorizonDays != b.HorizonDays:
		return true
	case locationName(a.Location) != locationName(b.Location):
		return true
	case a.Notify.PlaySound != b.Notify.PlaySound:
		return true
	}
	for _, e := range model.AllEvents {
		if a.Notify.Enabled[e] != b.Notify.Enabled[e] {
			return true
		}
		if a.Notify.Lead(e) != b.Notify.Lead(e) {
			return true
		}
	}
	return false
}

func locationName(loc *time.Location) string {
	if loc == nil {
		return time.Local.String()
	}
	return loc.String()
}
