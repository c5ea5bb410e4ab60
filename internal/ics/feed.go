// Package ics publishes registered prayer triggers as an iCalendar feed.
//
// FeedRegistrar implements trigger.Registrar: every Register/Cancel rewrites
// the feed file so calendar clients subscribed to it (or to /calendar.ics)
// raise the alarms themselves. On start the existing file is parsed back, so
// a CancelAll after a restart also removes what the previous process wrote.
package ics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "prayerd/internal/log"
	"prayerd/internal/model"
	"prayerd/internal/trigger"
)

const (
	uidSuffix = "@prayerd"

	// eventLength is the DTEND offset; clients need a non-empty span.
	eventLength = 10 * time.Minute
)

// Extension properties carrying the trigger payload through a round trip.
const (
	propKind  ical.ComponentProperty = "X-PRAYERD-KIND"
	propEvent ical.ComponentProperty = "X-PRAYERD-EVENT"
	propDate  ical.ComponentProperty = "X-PRAYERD-DATE"
	propLead  ical.ComponentProperty = "X-PRAYERD-LEAD"
	propSound ical.ComponentProperty = "X-PRAYERD-SOUND"
)

// FeedRegistrar keeps registrations in memory and mirrors them to an ICS file.
type FeedRegistrar struct {
	path string
	name string
	now  func() time.Time

	mu   sync.Mutex
	regs map[string]trigger.Registration
}

// NewFeedRegistrar opens (or prepares) the feed at path. An unreadable
// existing feed is logged and replaced on the next write.
func NewFeedRegistrar(path, name string) (*FeedRegistrar, error) {
	if path == "" {
		return nil, errors.New("ics feed path is empty")
	}
	if name == "" {
		name = "Prayer times"
	}

	f := &FeedRegistrar{
		path: path,
		name: name,
		now:  time.Now,
		regs: make(map[string]trigger.Registration),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		appLog.Info("ics feed not found, starting empty", "path", path)
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read ics feed: %w", err)
	}

	regs, err := ParseFeed(data)
	if err != nil {
		appLog.Error("ics feed unreadable, starting empty", err, "path", path)
		return f, nil
	}
	for _, r := range regs {
		f.regs[r.ID] = r
	}
	appLog.Info("ics feed loaded", "path", path, "registrations", len(regs))
	return f, nil
}

func (f *FeedRegistrar) Register(_ context.Context, id string, fireAt time.Time, p trigger.Payload) error {
	if id == "" {
		return errors.New("ics: empty trigger id")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev, existed := f.regs[id]
	f.regs[id] = trigger.Registration{ID: id, FireAt: fireAt, Payload: p}
	if err := f.flushLocked(); err != nil {
		// Keep memory and file in agreement.
		if existed {
			f.regs[id] = prev
		} else {
			delete(f.regs, id)
		}
		return err
	}
	return nil
}

func (f *FeedRegistrar) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, ok := f.regs[id]
	if !ok {
		return nil
	}
	delete(f.regs, id)
	if err := f.flushLocked(); err != nil {
		f.regs[id] = prev
		return err
	}
	return nil
}

func (f *FeedRegistrar) CancelAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.regs
	f.regs = make(map[string]trigger.Registration)
	if err := f.flushLocked(); err != nil {
		f.regs = prev
		return err
	}
	return nil
}

// Registered returns the registrations in fire order.
func (f *FeedRegistrar) Registered() []trigger.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedRegs(f.regs)
}

// Serialize renders the current feed.
func (f *FeedRegistrar) Serialize() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calendarLocked().Serialize()
}

func (f *FeedRegistrar) calendarLocked() *ical.Calendar {
	cal := ical.NewCalendarFor("prayerd")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(f.name)

	stamp := f.now()
	for _, r := range sortedRegs(f.regs) {
		p := r.Payload
		summary := Summary(p)

		ev := cal.AddEvent(r.ID + uidSuffix)
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(r.FireAt)
		ev.SetEndAt(r.FireAt.Add(eventLength))
		ev.SetSummary(summary)
		ev.SetDescription(fmt.Sprintf("%s on %s", p.Event, p.Date))

		kind := model.KindMain
		if p.PreAlarm {
			kind = model.KindPreAlarm
		}
		ev.SetProperty(propKind, string(kind))
		ev.SetProperty(propEvent, string(p.Event))
		ev.SetProperty(propDate, p.Date.String())
		if p.LeadMinutes > 0 {
			ev.SetProperty(propLead, strconv.Itoa(p.LeadMinutes))
		}
		if p.PlaySound {
			ev.SetProperty(propSound, "TRUE")
		}

		alarm := ev.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetTrigger("PT0S")
		alarm.SetProperty(ical.ComponentPropertyDescription, summary)
	}
	return cal
}

// flushLocked writes the feed atomically: temp file in the same directory,
// then rename over the target.
func (f *FeedRegistrar) flushLocked() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ics: create feed dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prayerd-feed-*.tmp")
	if err != nil {
		return fmt.Errorf("ics: create temp feed: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := f.calendarLocked().SerializeTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("ics: serialize feed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("ics: replace feed: %w", err)
	}
	return nil
}

// Summary is the human-readable title used for a trigger.
func Summary(p trigger.Payload) string {
	name := string(p.Event)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	if p.PreAlarm {
		return fmt.Sprintf("%s in %d min", name, p.LeadMinutes)
	}
	return name
}

func sortedRegs(regs map[string]trigger.Registration) []trigger.Registration {
	out := make([]trigger.Registration, 0, len(regs))
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
