// Package cache memoizes computed daily event sets by calendar date.
//
// The whole cache is one JSON document in the key/value store:
//
//	{"2025-06-15": {"fajr": "2025-06-15T00:24:00Z", "dhuhr": "..."}, ...}
//
// Values are strings so the store stays agnostic of time parsing; callers
// use ParseSet to turn a complete day back into a DailyEventSet.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "prayerd/internal/log"
	"prayerd/internal/model"
)

// DefaultKey is the kv key holding the serialized cache. The fingerprint of
// the site the cached days belong to lives under DefaultKey + siteSuffix.
const DefaultKey = "prayer_times_cache"

const siteSuffix = "_site"

// Fingerprint identifies the inputs cached days were computed from. Days
// cached for one fingerprint are never served for another.
func Fingerprint(coords model.Coordinates, cfg model.CalculationConfig) string {
	return fmt.Sprintf("%.6f,%.6f|%s|%s|%s", coords.Latitude, coords.Longitude, cfg.Method, cfg.Asr, cfg.HighLatitude)
}

// Entries maps ISO date -> event -> serialized instant.
type Entries map[string]map[model.EventName]string

// KV is the persistence the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Store is the cache. It serializes its own read-modify-write cycles; the
// scheduling model guarantees a single writer across components.
type Store struct {
	kv      KV
	key     string
	siteKey string
	mu      sync.Mutex
}

// New returns a Store persisting under DefaultKey.
func New(kv KV) *Store {
	return &Store{kv: kv, key: DefaultKey, siteKey: DefaultKey + siteSuffix}
}

func (s *Store) site(ctx context.Context) (string, error) {
	fp, _, err := s.kv.Get(ctx, s.siteKey)
	if err != nil {
		return "", fmt.Errorf("cache load site: %w", err)
	}
	return fp, nil
}

func (s *Store) setSite(ctx context.Context, fp string) error {
	if err := s.kv.Set(ctx, s.siteKey, fp); err != nil {
		return fmt.Errorf("cache save site: %w", err)
	}
	return nil
}

// load reads the persisted cache. A payload that fails to parse is logged
// and treated as empty; the next Merge overwrites it.
func (s *Store) load(ctx context.Context) (Entries, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	if !ok || raw == "" {
		return Entries{}, nil
	}

	var e Entries
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		appLog.Warn("cache payload corrupt; treating as empty", "key", s.key, "err", err)
		return Entries{}, nil
	}
	if e == nil {
		e = Entries{}
	}
	return e, nil
}

func (s *Store) save(ctx context.Context, e Entries) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

// Merge folds newEntries into the cache per (date, event) key. Dates and
// events not mentioned in newEntries are left untouched. The site
// fingerprint is not changed; callers that know the site use MergeSets.
func (s *Store) Merge(ctx context.Context, newEntries Entries) error {
	if len(newEntries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx)
	if err != nil {
		return err
	}
	mergeInto(current, newEntries)
	return s.save(ctx, current)
}

func mergeInto(current, newEntries Entries) {
	for date, events := range newEntries {
		day, ok := current[date]
		if !ok {
			day = make(map[model.EventName]string, len(events))
			current[date] = day
		}
		for name, v := range events {
			day[name] = v
		}
	}
}

// MergeSets serializes sets computed for the site fp and merges them. When
// the cache holds days of a different site they are dropped first, so a
// late writer for a previous site can only replace the cache, never mix
// into it.
func (s *Store) MergeSets(ctx context.Context, fp string, sets []model.DailyEventSet) error {
	if len(sets) == 0 {
		return nil
	}
	entries := make(Entries, len(sets))
	for _, set := range sets {
		day := make(map[model.EventName]string, len(model.AllEvents))
		for i, name := range model.AllEvents {
			day[name] = set.Times[i].UTC().Format(time.RFC3339)
		}
		entries[set.Date.String()] = day
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.site(ctx)
	if err != nil {
		return err
	}
	if stored == fp {
		current, err := s.load(ctx)
		if err != nil {
			return err
		}
		mergeInto(current, entries)
		return s.save(ctx, current)
	}

	// Invalidate the fingerprint before replacing the days so an
	// interrupted switch never pairs old days with the new site.
	if stored != "" {
		appLog.Info("cache site changed; dropping cached days", "dates", len(entries))
		if err := s.setSite(ctx, ""); err != nil {
			return err
		}
	}
	if err := s.save(ctx, entries); err != nil {
		return err
	}
	return s.setSite(ctx, fp)
}

// snapshotFor returns the cached days if they belong to fp, else nothing.
func (s *Store) snapshotFor(ctx context.Context, fp string) (Entries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.site(ctx)
	if err != nil {
		return nil, err
	}
	if stored != fp {
		return Entries{}, nil
	}
	return s.load(ctx)
}

// Get returns the cached events for date, or an empty map.
func (s *Store) Get(ctx context.Context, date model.Date) (map[model.EventName]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx)
	if err != nil {
		return map[model.EventName]string{}, err
	}
	day, ok := current[date.String()]
	if !ok {
		return map[model.EventName]string{}, nil
	}
	return day, nil
}

// Snapshot returns a copy of every cached date.
func (s *Store) Snapshot(ctx context.Context) (Entries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Clear drops every cached date and the site fingerprint. It is the only
// destructive operation.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setSite(ctx, ""); err != nil {
		return err
	}
	return s.save(ctx, Entries{})
}

// ErrIncomplete is returned by ParseSet when a cached day lacks an event.
var ErrIncomplete = errors.New("cache: incomplete day")

// ParseSet turns a cached day back into a DailyEventSet. All six events
// must be present and parse as RFC 3339.
func ParseSet(date model.Date, day map[model.EventName]string) (model.DailyEventSet, error) {
	set := model.DailyEventSet{Date: date}
	for i, name := range model.AllEvents {
		raw, ok := day[name]
		if !ok {
			return set, fmt.Errorf("%w: %s missing %s", ErrIncomplete, date, name)
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return set, fmt.Errorf("cache: parse %s %s: %w", date, name, err)
		}
		set.Times[i] = t
	}
	return set, nil
}
