package cache

import (
	"context"

	"prayerd/internal/calc"
	appLog "prayerd/internal/log"
	"prayerd/internal/model"
)

// RangeResult reports how a multi-day query was served.
type RangeResult struct {
	Sets     []model.DailyEventSet
	Hits     int
	Computed int
	Failed   []model.Date
}

// Range returns the event sets for days consecutive dates starting at from,
// serving complete cached days directly and computing (then merging) the
// rest. Dates the provider cannot compute are reported in Failed and
// skipped.
//
// Only days cached for the same coords and cfg count as hits; days of any
// other site are ignored and replaced by the merge of the fresh ones.
func (s *Store) Range(ctx context.Context, p calc.Provider, coords model.Coordinates, cfg model.CalculationConfig, from model.Date, days int) (RangeResult, error) {
	var res RangeResult
	if days <= 0 {
		return res, nil
	}

	fp := Fingerprint(coords, cfg)
	cached, err := s.snapshotFor(ctx, fp)
	if err != nil {
		return res, err
	}

	fresh := make([]model.DailyEventSet, 0)
	for i := 0; i < days; i++ {
		date := from.AddDays(i)

		if day, ok := cached[date.String()]; ok {
			if set, err := ParseSet(date, day); err == nil {
				res.Sets = append(res.Sets, set)
				res.Hits++
				continue
			}
		}

		set, err := p.Compute(coords, cfg, date)
		if err != nil {
			appLog.Error("cache range: compute failed", err, "date", date.String())
			res.Failed = append(res.Failed, date)
			continue
		}
		res.Sets = append(res.Sets, set)
		fresh = append(fresh, set)
		res.Computed++
	}

	if len(fresh) > 0 {
		if err := s.MergeSets(ctx, fp, fresh); err != nil {
			// The computed sets are still valid; only memoization is lost.
			appLog.Error("cache range: merge failed", err, "computed", len(fresh))
		}
	}
	return res, nil
}
