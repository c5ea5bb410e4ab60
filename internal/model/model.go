package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrConfigurationMissing marks the "no coordinates yet" state. It is a
// recognized state rather than a failure: schedulers produce nothing and
// projectors fall back to their next tier.
var ErrConfigurationMissing = errors.New("configuration missing: no coordinates")

// Coordinates is a geographic position in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Valid reports whether the coordinates are finite and within range.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// Method names a calculation convention (twilight angles and adjustments).
type Method string

const (
	MethodMuslimWorldLeague     Method = "muslim_world_league"
	MethodEgyptian              Method = "egyptian"
	MethodKarachi               Method = "karachi"
	MethodUmmAlQura             Method = "umm_al_qura"
	MethodDubai                 Method = "dubai"
	MethodMoonsightingCommittee Method = "moonsighting_committee"
	MethodNorthAmerica          Method = "north_america"
	MethodKuwait                Method = "kuwait"
	MethodQatar                 Method = "qatar"
	MethodSingapore             Method = "singapore"
	MethodTehran                Method = "tehran"
	MethodTurkey                Method = "turkey"
)

// AsrVariant selects the shadow-length factor used for asr.
type AsrVariant string

const (
	AsrStandard AsrVariant = "standard"
	AsrHanafi   AsrVariant = "hanafi"
)

// HighLatitudeRule bounds fajr and isha where twilight never ends.
type HighLatitudeRule string

const (
	HighLatMiddleOfTheNight  HighLatitudeRule = "middle_of_the_night"
	HighLatSeventhOfTheNight HighLatitudeRule = "seventh_of_the_night"
	HighLatTwilightAngle     HighLatitudeRule = "twilight_angle"
)

// CalculationConfig is comparable and part of the cache fingerprint.
type CalculationConfig struct {
	Method       Method           `json:"method" yaml:"method"`
	Asr          AsrVariant       `json:"asr" yaml:"asr"`
	HighLatitude HighLatitudeRule `json:"high_latitude" yaml:"high_latitude"`
}

// EventName is one of the six daily markers.
type EventName string

const (
	Fajr    EventName = "fajr"
	Sunrise EventName = "sunrise"
	Dhuhr   EventName = "dhuhr"
	Asr     EventName = "asr"
	Maghrib EventName = "maghrib"
	Isha    EventName = "isha"
)

// AllEvents lists the events in time-of-day order.
var AllEvents = [6]EventName{Fajr, Sunrise, Dhuhr, Asr, Maghrib, Isha}

// Index returns the position of e in AllEvents, or -1.
func (e EventName) Index() int {
	for i, n := range AllEvents {
		if n == e {
			return i
		}
	}
	return -1
}

// ParseEventName validates a raw event name.
func ParseEventName(s string) (EventName, error) {
	e := EventName(s)
	if e.Index() < 0 {
		return "", fmt.Errorf("unknown event name %q", s)
	}
	return e, nil
}

// Date is a calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays normalizes through time.Date, so month/year boundaries roll over.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// DailyEventSet holds the six instants computed for one calendar date.
type DailyEventSet struct {
	Date  Date
	Times [6]time.Time
}

// At returns the instant for e. Unknown names yield the zero time.
func (s DailyEventSet) At(e EventName) time.Time {
	i := e.Index()
	if i < 0 {
		return time.Time{}
	}
	return s.Times[i]
}

// Ordered reports whether the instants are strictly increasing. Extreme
// latitudes can break this; callers report it, they do not assume it.
func (s DailyEventSet) Ordered() bool {
	for i := 1; i < len(s.Times); i++ {
		if !s.Times[i].After(s.Times[i-1]) {
			return false
		}
	}
	return true
}

// EntryKind distinguishes the main trigger from its reminder.
type EntryKind string

const (
	KindMain     EntryKind = "main"
	KindPreAlarm EntryKind = "prealarm"
)

// EntryID derives the idempotent trigger id, e.g. "main_fajr_2025-06-15".
func EntryID(kind EntryKind, e EventName, d Date) string {
	return string(kind) + "_" + string(e) + "_" + d.String()
}

// ScheduleEntry is a single fire-at trigger produced by the scheduler.
type ScheduleEntry struct {
	ID          string    `json:"id"`
	Event       EventName `json:"event"`
	Date        Date      `json:"date"`
	FireAt      time.Time `json:"fire_at"`
	Kind        EntryKind `json:"kind"`
	LeadMinutes int       `json:"lead_minutes"`
}

// NotificationConfig carries per-event enable flags and pre-alarm leads.
type NotificationConfig struct {
	Enabled   map[EventName]bool `json:"enabled" yaml:"enabled"`
	PreAlarm  map[EventName]int  `json:"pre_alarm" yaml:"pre_alarm"`
	PlaySound bool               `json:"play_sound" yaml:"play_sound"`
}

// Lead returns the pre-alarm lead for e; negative values count as disabled.
func (n NotificationConfig) Lead(e EventName) int {
	if m := n.PreAlarm[e]; m > 0 {
		return m
	}
	return 0
}
