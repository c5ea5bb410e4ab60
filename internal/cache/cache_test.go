package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prayerd/internal/calc"
	"prayerd/internal/kv"
	"prayerd/internal/model"
)

// failingKV returns err from every call.
type failingKV struct{ err error }

func (f failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func (f failingKV) Set(context.Context, string, string) error {
	return f.err
}

func day(y int, m time.Month, d int) model.Date {
	return model.Date{Year: y, Month: m, Day: d}
}

func TestMerge_NonDestructive(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	require.NoError(t, s.Merge(ctx, Entries{"2025-06-15": {model.Fajr: "A"}}))
	require.NoError(t, s.Merge(ctx, Entries{"2025-06-16": {model.Fajr: "B"}}))

	d15, err := s.Get(ctx, day(2025, time.June, 15))
	require.NoError(t, err)
	assert.Equal(t, map[model.EventName]string{model.Fajr: "A"}, d15)

	d16, err := s.Get(ctx, day(2025, time.June, 16))
	require.NoError(t, err)
	assert.Equal(t, map[model.EventName]string{model.Fajr: "B"}, d16)

	require.NoError(t, s.Merge(ctx, Entries{"2025-06-15": {model.Dhuhr: "C"}}))
	d15, err = s.Get(ctx, day(2025, time.June, 15))
	require.NoError(t, err)
	assert.Equal(t, map[model.EventName]string{model.Fajr: "A", model.Dhuhr: "C"}, d15)

	d16, err = s.Get(ctx, day(2025, time.June, 16))
	require.NoError(t, err)
	assert.Equal(t, "B", d16[model.Fajr])
}

func TestMerge_LastWriteWinsPerKey(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	require.NoError(t, s.Merge(ctx, Entries{"2025-06-15": {model.Fajr: "A", model.Isha: "I"}}))
	require.NoError(t, s.Merge(ctx, Entries{"2025-06-15": {model.Fajr: "A2"}}))

	got, err := s.Get(ctx, day(2025, time.June, 15))
	require.NoError(t, err)
	assert.Equal(t, map[model.EventName]string{model.Fajr: "A2", model.Isha: "I"}, got)
}

func TestMerge_OrderIndependentAcrossKeys(t *testing.T) {
	ctx := context.Background()
	a := Entries{"2025-06-15": {model.Fajr: "x"}}
	b := Entries{"2025-06-15": {model.Dhuhr: "y"}, "2025-06-16": {model.Asr: "z"}}

	s1 := New(kv.NewMemory())
	require.NoError(t, s1.Merge(ctx, a))
	require.NoError(t, s1.Merge(ctx, b))

	s2 := New(kv.NewMemory())
	require.NoError(t, s2.Merge(ctx, b))
	require.NoError(t, s2.Merge(ctx, a))

	snap1, err := s1.Snapshot(ctx)
	require.NoError(t, err)
	snap2, err := s2.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap1, snap2)
}

func TestGet_MissingDateIsEmpty(t *testing.T) {
	got, err := New(kv.NewMemory()).Get(context.Background(), day(2030, time.January, 1))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())
	require.NoError(t, s.Merge(ctx, Entries{"2025-06-15": {model.Fajr: "A"}}))
	require.NoError(t, s.Clear(ctx))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestCorruptPayloadIsTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, DefaultKey, "{not json"))

	s := New(store)
	got, err := s.Get(ctx, day(2025, time.June, 15))
	require.NoError(t, err)
	assert.Empty(t, got)

	// Self-heals on the next merge.
	require.NoError(t, s.Merge(ctx, Entries{"2025-06-15": {model.Fajr: "A"}}))
	raw, _, err := store.Get(ctx, DefaultKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"2025-06-15":{"fajr":"A"}}`, raw)
}

func TestStorageErrorsPropagate(t *testing.T) {
	boom := errors.New("disk gone")
	s := New(failingKV{err: boom})

	err := s.Merge(context.Background(), Entries{"2025-06-15": {model.Fajr: "A"}})
	assert.ErrorIs(t, err, boom)
}

func TestMergeSetsAndParseSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	base := time.Date(2025, time.June, 15, 0, 24, 0, 0, time.UTC)
	set := model.DailyEventSet{Date: day(2025, time.June, 15)}
	for i := range set.Times {
		set.Times[i] = base.Add(time.Duration(i) * 3 * time.Hour)
	}
	require.NoError(t, s.MergeSets(ctx, "site", []model.DailyEventSet{set}))

	cached, err := s.Get(ctx, set.Date)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-15T00:24:00Z", cached[model.Fajr])

	parsed, err := ParseSet(set.Date, cached)
	require.NoError(t, err)
	for i := range set.Times {
		assert.True(t, set.Times[i].Equal(parsed.Times[i]))
	}

	delete(cached, model.Isha)
	_, err = ParseSet(set.Date, cached)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestRange_ServesHitsAndComputesMisses(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	calls := 0
	provider := calc.ProviderFunc(func(_ model.Coordinates, _ model.CalculationConfig, d model.Date) (model.DailyEventSet, error) {
		calls++
		if d == day(2025, time.June, 17) {
			return model.DailyEventSet{}, errors.New("boom")
		}
		set := model.DailyEventSet{Date: d}
		base := time.Date(d.Year, d.Month, d.Day, 3, 0, 0, 0, time.UTC)
		for i := range set.Times {
			set.Times[i] = base.Add(time.Duration(i) * time.Hour)
		}
		return set, nil
	})

	from := day(2025, time.June, 15)
	res, err := s.Range(ctx, provider, model.Coordinates{}, model.CalculationConfig{}, from, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Computed)
	assert.Equal(t, 0, res.Hits)
	assert.Equal(t, []model.Date{day(2025, time.June, 17)}, res.Failed)
	assert.Len(t, res.Sets, 3)
	assert.Equal(t, 4, calls)

	// Second pass: computed days come from the cache, the failed day is retried.
	res, err = s.Range(ctx, provider, model.Coordinates{}, model.CalculationConfig{}, from, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Hits)
	assert.Equal(t, 0, res.Computed)
	assert.Equal(t, 5, calls)
}

func uniformProvider(hour int) calc.Provider {
	return calc.ProviderFunc(func(_ model.Coordinates, _ model.CalculationConfig, d model.Date) (model.DailyEventSet, error) {
		set := model.DailyEventSet{Date: d}
		base := time.Date(d.Year, d.Month, d.Day, hour, 0, 0, 0, time.UTC)
		for i := range set.Times {
			set.Times[i] = base.Add(time.Duration(i) * time.Hour)
		}
		return set, nil
	})
}

func TestFingerprint(t *testing.T) {
	istanbul := model.Coordinates{Latitude: 41.0082, Longitude: 28.9784}
	ankara := model.Coordinates{Latitude: 39.9334, Longitude: 32.8597}
	turkey := model.CalculationConfig{Method: model.MethodTurkey, Asr: model.AsrStandard, HighLatitude: model.HighLatMiddleOfTheNight}
	hanafi := turkey
	hanafi.Asr = model.AsrHanafi

	assert.Equal(t, Fingerprint(istanbul, turkey), Fingerprint(istanbul, turkey))
	assert.NotEqual(t, Fingerprint(istanbul, turkey), Fingerprint(ankara, turkey))
	assert.NotEqual(t, Fingerprint(istanbul, turkey), Fingerprint(istanbul, hanafi))
}

func TestRange_IgnoresDaysOfAnotherSite(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	istanbul := model.Coordinates{Latitude: 41.0082, Longitude: 28.9784}
	ankara := model.Coordinates{Latitude: 39.9334, Longitude: 32.8597}
	cfg := model.CalculationConfig{Method: model.MethodTurkey}
	from := day(2025, time.June, 15)

	// A pass for the previous site lands after the switch to the new one.
	old, err := uniformProvider(2).Compute(istanbul, cfg, from)
	require.NoError(t, err)
	require.NoError(t, s.MergeSets(ctx, Fingerprint(istanbul, cfg), []model.DailyEventSet{old}))

	res, err := s.Range(ctx, uniformProvider(5), ankara, cfg, from, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Hits)
	assert.Equal(t, 1, res.Computed)
	require.Len(t, res.Sets, 1)
	assert.Equal(t, 5, res.Sets[0].At(model.Fajr).Hour())

	// The new site's days replaced the old ones and are now hits.
	res, err = s.Range(ctx, uniformProvider(9), ankara, cfg, from, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Hits)
	assert.Equal(t, 5, res.Sets[0].At(model.Fajr).Hour())

	// And they are not served back to the previous site.
	res, err = s.Range(ctx, uniformProvider(2), istanbul, cfg, from, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Hits)
}

func TestMergeSets_SiteSwitchDropsOtherDates(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())
	p := uniformProvider(3)

	d15, _ := p.Compute(model.Coordinates{}, model.CalculationConfig{}, day(2025, time.June, 15))
	d16, _ := p.Compute(model.Coordinates{}, model.CalculationConfig{}, day(2025, time.June, 16))

	require.NoError(t, s.MergeSets(ctx, "a", []model.DailyEventSet{d15}))
	require.NoError(t, s.MergeSets(ctx, "a", []model.DailyEventSet{d16}))
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2, "same site merges")

	require.NoError(t, s.MergeSets(ctx, "b", []model.DailyEventSet{d16}))
	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 1, "another site replaces")
	assert.Contains(t, snap, "2025-06-16")
}

func TestClear_ResetsSite(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := New(store)
	d15, _ := uniformProvider(3).Compute(model.Coordinates{}, model.CalculationConfig{}, day(2025, time.June, 15))

	require.NoError(t, s.MergeSets(ctx, "a", []model.DailyEventSet{d15}))
	require.NoError(t, s.Clear(ctx))

	fp, _, err := store.Get(ctx, DefaultKey+siteSuffix)
	require.NoError(t, err)
	assert.Empty(t, fp)
}
