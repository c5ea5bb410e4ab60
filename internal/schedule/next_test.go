package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prayerd/internal/calc"
	"prayerd/internal/model"
)

var istanbulZone = time.FixedZone("UTC+3", 3*60*60)

// localOffsets are fake event times as offsets from local midnight.
var localOffsets = [6]time.Duration{
	4 * time.Hour,
	5*time.Hour + 30*time.Minute,
	12 * time.Hour,
	15*time.Hour + 30*time.Minute,
	19 * time.Hour,
	20*time.Hour + 30*time.Minute,
}

func fakeSet(d model.Date, loc *time.Location) model.DailyEventSet {
	set := model.DailyEventSet{Date: d}
	midnight := d.In(loc)
	for i, off := range localOffsets {
		set.Times[i] = midnight.Add(off)
	}
	return set
}

func fakeProvider(loc *time.Location) calc.ProviderFunc {
	return func(_ model.Coordinates, _ model.CalculationConfig, d model.Date) (model.DailyEventSet, error) {
		return fakeSet(d, loc), nil
	}
}

var (
	testDay   = model.Date{Year: 2025, Month: time.June, Day: 15}
	istanbul  = model.Coordinates{Latitude: 41.0082, Longitude: 28.9784}
	turkeyCfg = model.CalculationConfig{
		Method:       model.MethodTurkey,
		Asr:          model.AsrStandard,
		HighLatitude: model.HighLatMiddleOfTheNight,
	}
)

func TestResolveNext_ReturnsSmallestLaterInstant(t *testing.T) {
	today := fakeSet(testDay, istanbulZone)
	tomorrowFajr := fakeSet(testDay.AddDays(1), istanbulZone).At(model.Fajr)

	for i, e := range model.AllEvents {
		// One minute before each event.
		now := today.Times[i].Add(-time.Minute)
		got, err := ResolveNext(today, tomorrowFajr, now)
		require.NoError(t, err)
		assert.Equal(t, e, got.Event)
		assert.Equal(t, today.Times[i], got.FiresAt)
		assert.Equal(t, time.Minute, got.Remaining)
	}

	// Between dhuhr and asr.
	got, err := ResolveNext(today, tomorrowFajr, today.At(model.Dhuhr).Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.Asr, got.Event)
}

func TestResolveNext_MidnightRollover(t *testing.T) {
	today := fakeSet(testDay, istanbulZone)
	tomorrowFajr := fakeSet(testDay.AddDays(1), istanbulZone).At(model.Fajr)

	for _, now := range []time.Time{
		today.At(model.Isha),
		today.At(model.Isha).Add(time.Second),
		testDay.AddDays(1).In(istanbulZone).Add(-time.Nanosecond),
		testDay.AddDays(1).In(istanbulZone).Add(time.Hour),
	} {
		got, err := ResolveNext(today, tomorrowFajr, now)
		require.NoError(t, err)
		assert.Equal(t, model.Fajr, got.Event)
		assert.Equal(t, tomorrowFajr, got.FiresAt)
		assert.Equal(t, tomorrowFajr.Sub(now), got.Remaining)
		assert.Positive(t, got.Remaining)
	}
}

func TestResolveNext_TieBreakExcludesExactInstant(t *testing.T) {
	today := fakeSet(testDay, istanbulZone)
	tomorrowFajr := fakeSet(testDay.AddDays(1), istanbulZone).At(model.Fajr)

	got, err := ResolveNext(today, tomorrowFajr, today.At(model.Dhuhr))
	require.NoError(t, err)
	assert.Equal(t, model.Asr, got.Event)

	got, err = ResolveNext(today, tomorrowFajr, today.At(model.Isha))
	require.NoError(t, err)
	assert.Equal(t, model.Fajr, got.Event)
	assert.Equal(t, tomorrowFajr, got.FiresAt)
}

func TestResolveNext_StaleReference(t *testing.T) {
	today := fakeSet(testDay, istanbulZone)
	now := today.At(model.Isha).Add(time.Hour)

	_, err := ResolveNext(today, now, now)
	assert.ErrorIs(t, err, ErrStaleReference)

	_, err = ResolveNext(today, now.Add(-time.Minute), now)
	assert.ErrorIs(t, err, ErrStaleReference)
}

func TestApproximateTomorrowFajr(t *testing.T) {
	today := fakeSet(testDay, istanbulZone)
	assert.Equal(t, today.At(model.Fajr).Add(24*time.Hour), ApproximateTomorrowFajr(today))
}

func TestNextEvent_FarFuture(t *testing.T) {
	p := calc.NewAstronomical()
	coords := istanbul

	// Well after isha, years ahead.
	now := time.Date(2041, time.March, 10, 23, 30, 0, 0, istanbulZone)
	got, err := NextEvent(p, &coords, turkeyCfg, now)
	require.NoError(t, err)

	assert.Equal(t, model.Fajr, got.Event)
	assert.Positive(t, got.Remaining)
	assert.Equal(t, got.FiresAt.Sub(now), got.Remaining)
	assert.Equal(t, model.Date{Year: 2041, Month: time.March, Day: 11}, model.DateOf(got.FiresAt.In(istanbulZone)))

	want, err := p.Compute(coords, turkeyCfg, model.Date{Year: 2041, Month: time.March, Day: 11})
	require.NoError(t, err)
	assert.True(t, want.At(model.Fajr).Equal(got.FiresAt))
}

func TestNextEvent_MidDay(t *testing.T) {
	coords := istanbul
	now := time.Date(2025, time.June, 15, 13, 0, 0, 0, istanbulZone)
	got, err := NextEvent(fakeProvider(istanbulZone), &coords, turkeyCfg, now)
	require.NoError(t, err)
	assert.Equal(t, model.Asr, got.Event)
	assert.Equal(t, 2*time.Hour+30*time.Minute, got.Remaining)
}

func TestNextEvent_WalksForwardPastStaleTomorrow(t *testing.T) {
	// Every set lies 40h before its own date's UTC midnight, so tomorrow's
	// fajr is still behind now and the wrapper must step a day.
	p := calc.ProviderFunc(func(_ model.Coordinates, _ model.CalculationConfig, d model.Date) (model.DailyEventSet, error) {
		set := model.DailyEventSet{Date: d}
		base := d.In(time.UTC).Add(-40 * time.Hour)
		for i := range set.Times {
			set.Times[i] = base.Add(time.Duration(i) * time.Hour)
		}
		return set, nil
	})

	coords := istanbul
	now := testDay.In(time.UTC)
	got, err := NextEvent(p, &coords, turkeyCfg, now)
	require.NoError(t, err)
	assert.Equal(t, model.Fajr, got.Event)
	assert.Equal(t, 8*time.Hour, got.Remaining)
}

func TestNextEvent_Errors(t *testing.T) {
	now := time.Date(2025, time.June, 15, 13, 0, 0, 0, istanbulZone)

	_, err := NextEvent(fakeProvider(istanbulZone), nil, turkeyCfg, now)
	assert.ErrorIs(t, err, model.ErrConfigurationMissing)

	bad := model.Coordinates{Latitude: 120}
	_, err = NextEvent(fakeProvider(istanbulZone), &bad, turkeyCfg, now)
	assert.ErrorIs(t, err, model.ErrConfigurationMissing)

	boom := errors.New("boom")
	failing := calc.ProviderFunc(func(model.Coordinates, model.CalculationConfig, model.Date) (model.DailyEventSet, error) {
		return model.DailyEventSet{}, boom
	})
	coords := istanbul
	_, err = NextEvent(failing, &coords, turkeyCfg, now)
	assert.ErrorIs(t, err, boom)
}
