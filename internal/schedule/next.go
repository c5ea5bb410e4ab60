package schedule

import (
	"errors"
	"fmt"
	"time"

	"prayerd/internal/calc"
	"prayerd/internal/model"
)

// ErrStaleReference means the reference instant handed to ResolveNext is not
// after now. Callers re-resolve with a later day (or a fresh now); a zero or
// negative remaining duration is never reported.
var ErrStaleReference = errors.New("schedule: next event is not in the future")

// maxRollover bounds how many days NextEvent walks forward.
const maxRollover = 3

// Next is the upcoming event relative to some instant.
type Next struct {
	Event     model.EventName `json:"event"`
	FiresAt   time.Time       `json:"fires_at"`
	Remaining time.Duration   `json:"remaining"`
}

// ResolveNext returns the first event of today, in fixed time-of-day order,
// whose instant is strictly after now. An event exactly at now has already
// occurred. When none qualifies, fajr at tomorrowFajr is returned.
func ResolveNext(today model.DailyEventSet, tomorrowFajr, now time.Time) (Next, error) {
	for i, e := range model.AllEvents {
		at := today.Times[i]
		if at.After(now) {
			return Next{Event: e, FiresAt: at, Remaining: at.Sub(now)}, nil
		}
	}

	remaining := tomorrowFajr.Sub(now)
	if remaining <= 0 {
		return Next{}, fmt.Errorf("%w: tomorrow's fajr %s, now %s", ErrStaleReference,
			tomorrowFajr.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return Next{Event: model.Fajr, FiresAt: tomorrowFajr, Remaining: remaining}, nil
}

// ApproximateTomorrowFajr shifts today's fajr by 24 hours. It ignores the
// day-to-day drift of a few minutes and DST transitions.
func ApproximateTomorrowFajr(today model.DailyEventSet) time.Time {
	return today.At(model.Fajr).Add(24 * time.Hour)
}

// NextEvent computes today's and tomorrow's sets through p and resolves the
// next event after now. The calendar date of now in its own location is
// "today". Tomorrow's fajr is computed, not approximated.
func NextEvent(p calc.Provider, coords *model.Coordinates, cfg model.CalculationConfig, now time.Time) (Next, error) {
	if coords == nil || !coords.Valid() {
		return Next{}, model.ErrConfigurationMissing
	}

	date := model.DateOf(now)
	today, err := p.Compute(*coords, cfg, date)
	if err != nil {
		return Next{}, fmt.Errorf("compute %s: %w", date, err)
	}

	for i := 0; i < maxRollover; i++ {
		tomorrow, err := p.Compute(*coords, cfg, date.AddDays(1))
		if err != nil {
			return Next{}, fmt.Errorf("compute %s: %w", date.AddDays(1), err)
		}

		next, err := ResolveNext(today, tomorrow.At(model.Fajr), now)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrStaleReference) {
			return Next{}, err
		}
		// now is past tomorrow's fajr too (zone offset, clock jump): step
		// a day forward.
		date = date.AddDays(1)
		today = tomorrow
	}
	return Next{}, fmt.Errorf("%w after %d days", ErrStaleReference, maxRollover)
}
