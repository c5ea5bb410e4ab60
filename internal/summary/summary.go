// Package summary derives the small read-only status snapshot shown by
// display surfaces (widgets, the status API, the CLI).
//
// Project never fails: it tries the live site, then the last site that
// worked (persisted in the kv store), then returns a placeholder that tells
// the consumer configuration is still awaited.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"prayerd/internal/calc"
	"prayerd/internal/kv"
	appLog "prayerd/internal/log"
	"prayerd/internal/model"
	"prayerd/internal/schedule"
)

// LastSiteKey is the kv key of the last site a live projection succeeded with.
const LastSiteKey = "summary_last_site"

const (
	timeLayout  = "15:04"
	dateLayout  = "Monday, 2 January 2006"
	placeholder = "--:--"
)

// Source tells which fallback tier produced a snapshot.
type Source string

const (
	SourceLive        Source = "live"
	SourceLastKnown   Source = "last_known"
	SourcePlaceholder Source = "placeholder"
)

// Site is the location triple a projection is computed from.
type Site struct {
	City     string                  `json:"city"`
	Coords   model.Coordinates       `json:"coords"`
	Calc     model.CalculationConfig `json:"calc"`
	Timezone string                  `json:"timezone,omitempty"`
}

// LiveSource reports the site currently in memory, if any.
type LiveSource interface {
	Current() (Site, bool)
}

// LiveFunc adapts a function to LiveSource.
type LiveFunc func() (Site, bool)

func (f LiveFunc) Current() (Site, bool) {
	return f()
}

// Snapshot is the wire shape consumed by display surfaces.
type Snapshot struct {
	City          string                     `json:"city"`
	DateLabel     string                     `json:"date_label"`
	NextEvent     model.EventName            `json:"next_event,omitempty"`
	NextEventTime string                     `json:"next_event_time"`
	NextEventAt   time.Time                  `json:"next_event_at"`
	RemainingMs   int64                      `json:"remaining_ms"`
	Times         map[model.EventName]string `json:"times"`
	Source        Source                     `json:"source"`
	Awaiting      bool                       `json:"awaiting_configuration,omitempty"`
}

type Projector struct {
	provider calc.Provider
	live     LiveSource
	store    kv.Store

	// mu serializes writes of the last-known site.
	mu        sync.Mutex
	lastSaved string
}

// New returns a Projector. live and store may be nil; the corresponding
// tiers are then skipped.
func New(p calc.Provider, live LiveSource, store kv.Store) *Projector {
	return &Projector{provider: p, live: live, store: store}
}

// Project returns the snapshot for now from the first tier that works.
func (p *Projector) Project(ctx context.Context, now time.Time) Snapshot {
	if p.live != nil {
		if site, ok := p.live.Current(); ok {
			snap, err := p.project(site, now, SourceLive)
			if err == nil {
				p.remember(ctx, site)
				return snap
			}
			appLog.Warn("summary: live site failed, falling back", "city", site.City, "error", err.Error())
		}
	}

	if site, ok := p.lastKnown(ctx); ok {
		snap, err := p.project(site, now, SourceLastKnown)
		if err == nil {
			return snap
		}
		appLog.Warn("summary: last known site failed, falling back", "city", site.City, "error", err.Error())
	}

	return Placeholder(now)
}

// Placeholder is the awaiting-configuration snapshot: no city, no next
// event, zero next-event time.
func Placeholder(now time.Time) Snapshot {
	return Snapshot{
		DateLabel:     now.Format(dateLayout),
		NextEventTime: placeholder,
		Times:         map[model.EventName]string{},
		Source:        SourcePlaceholder,
		Awaiting:      true,
	}
}

func (p *Projector) project(site Site, now time.Time, src Source) (snap Snapshot, err error) {
	// A misbehaving provider costs this tier only.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()

	if !site.Coords.Valid() {
		return snap, model.ErrConfigurationMissing
	}
	loc := time.Local
	if site.Timezone != "" {
		loc, err = time.LoadLocation(site.Timezone)
		if err != nil {
			return snap, fmt.Errorf("timezone %q: %w", site.Timezone, err)
		}
	}
	local := now.In(loc)

	today, err := p.provider.Compute(site.Coords, site.Calc, model.DateOf(local))
	if err != nil {
		return snap, err
	}
	coords := site.Coords
	next, err := schedule.NextEvent(p.provider, &coords, site.Calc, local)
	if err != nil {
		return snap, err
	}

	times := make(map[model.EventName]string, len(model.AllEvents))
	for i, e := range model.AllEvents {
		times[e] = today.Times[i].In(loc).Format(timeLayout)
	}

	return Snapshot{
		City:          site.City,
		DateLabel:     local.Format(dateLayout),
		NextEvent:     next.Event,
		NextEventTime: next.FiresAt.In(loc).Format(timeLayout),
		NextEventAt:   next.FiresAt,
		RemainingMs:   next.Remaining.Milliseconds(),
		Times:         times,
		Source:        src,
	}, nil
}

// remember persists site as the last known one. Unchanged sites are not
// rewritten.
func (p *Projector) remember(ctx context.Context, site Site) {
	if p.store == nil {
		return
	}
	data, err := json.Marshal(site)
	if err != nil {
		appLog.Error("summary: marshal site", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if string(data) == p.lastSaved {
		return
	}
	if err := p.store.Set(ctx, LastSiteKey, string(data)); err != nil {
		appLog.Error("summary: persist last site", err)
		return
	}
	p.lastSaved = string(data)
}

func (p *Projector) lastKnown(ctx context.Context) (Site, bool) {
	if p.store == nil {
		return Site{}, false
	}
	raw, ok, err := p.store.Get(ctx, LastSiteKey)
	if err != nil {
		appLog.Error("summary: read last site", err)
		return Site{}, false
	}
	if !ok {
		return Site{}, false
	}

	var site Site
	if err := json.Unmarshal([]byte(raw), &site); err != nil {
		appLog.Warn("summary: last site unreadable", "error", err.Error())
		return Site{}, false
	}
	if !site.Coords.Valid() {
		appLog.Warn("summary: last site has invalid coordinates", "city", site.City)
		return Site{}, false
	}
	return site, true
}
