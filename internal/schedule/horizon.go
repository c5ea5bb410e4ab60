package schedule

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"prayerd/internal/model"
)

// horizonDates enumerates n consecutive calendar dates starting at from as a
// daily recurrence. DTSTART is anchored at noon UTC so the date of every
// occurrence is unambiguous.
func horizonDates(from model.Date, n int) ([]model.Date, error) {
	if n <= 0 {
		return nil, nil
	}

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Count:   n,
		Dtstart: time.Date(from.Year, from.Month, from.Day, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return nil, fmt.Errorf("horizon rule: %w", err)
	}

	occ := r.All()
	dates := make([]model.Date, 0, len(occ))
	for _, t := range occ {
		dates = append(dates, model.DateOf(t))
	}
	return dates, nil
}
