// Package calc computes the six daily prayer instants for a location.
//
// The Provider interface is the seam the rest of the engine depends on;
// Astronomical is the angle-based implementation. Providers are pure: no
// I/O, no caching (see internal/cache for memoization).
package calc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"prayerd/internal/model"
)

var (
	// ErrUndefined is returned when the sun does not rise or set on the
	// requested date (polar day or night) or asr never occurs.
	ErrUndefined = errors.New("calc: event undefined at this latitude")
	// ErrUnknownMethod is returned for a method without parameters.
	ErrUnknownMethod = errors.New("calc: unknown calculation method")
	// ErrInvalidCoordinates is returned for out-of-range or non-finite input.
	ErrInvalidCoordinates = errors.New("calc: invalid coordinates")
)

// Provider computes a DailyEventSet for one calendar date.
type Provider interface {
	Compute(coords model.Coordinates, cfg model.CalculationConfig, date model.Date) (model.DailyEventSet, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(coords model.Coordinates, cfg model.CalculationConfig, date model.Date) (model.DailyEventSet, error)

func (f ProviderFunc) Compute(coords model.Coordinates, cfg model.CalculationConfig, date model.Date) (model.DailyEventSet, error) {
	return f(coords, cfg, date)
}

// Astronomical computes prayer times from solar position and the twilight
// angles of the configured method.
type Astronomical struct {
	// Iterations refines the day-portion estimates; zero means 2.
	Iterations int
}

// NewAstronomical returns the default provider.
func NewAstronomical() *Astronomical {
	return &Astronomical{Iterations: 2}
}

// Compute implements Provider. Instants are absolute and rounded to the
// nearest minute; the calendar date is interpreted at UTC midnight and the
// caller presents the results in its own zone.
func (a *Astronomical) Compute(coords model.Coordinates, cfg model.CalculationConfig, date model.Date) (model.DailyEventSet, error) {
	out := model.DailyEventSet{Date: date}

	if !coords.Valid() {
		return out, fmt.Errorf("%w: %+v", ErrInvalidCoordinates, coords)
	}
	params, ok := methods[cfg.Method]
	if !ok {
		return out, fmt.Errorf("%w: %q", ErrUnknownMethod, cfg.Method)
	}

	asrFactor := 1.0
	if cfg.Asr == model.AsrHanafi {
		asrFactor = 2.0
	}

	day := solarDay{
		jd:  julianDate(date.Year, int(date.Month), date.Day) - coords.Longitude/(15*24),
		lat: coords.Latitude,
	}

	// Initial guesses in hours: fajr, sunrise, dhuhr, asr, sunset, isha.
	h := [6]float64{5, 6, 12, 13, 18, 18}

	iterations := a.Iterations
	if iterations <= 0 {
		iterations = 2
	}
	for i := 0; i < iterations; i++ {
		var p [6]float64
		for j := range h {
			p[j] = h[j] / 24
		}
		h[0] = day.angleTime(params.FajrAngle, p[0], true)
		h[1] = day.angleTime(riseSetAngle, p[1], true)
		h[2] = day.midDay(p[2])
		h[3] = day.asrTime(asrFactor, p[3])
		h[4] = day.angleTime(riseSetAngle, p[4], false)
		if params.IshaInterval > 0 {
			h[5] = h[4] + float64(params.IshaInterval)/60
		} else {
			h[5] = day.angleTime(params.IshaAngle, p[5], false)
		}

		if math.IsNaN(h[1]) || math.IsNaN(h[4]) {
			return out, fmt.Errorf("%w: sunrise/sunset on %s", ErrUndefined, date)
		}
		if math.IsNaN(h[3]) {
			return out, fmt.Errorf("%w: asr on %s", ErrUndefined, date)
		}
	}

	adjustHighLatitude(&h, params, cfg.HighLatitude)

	base := date.In(time.UTC)
	for i := range h {
		// Local solar hours back to UT.
		hours := h[i] - coords.Longitude/15
		minutes := math.Round(hours*60) + float64(params.Adjust[i])
		out.Times[i] = base.Add(time.Duration(minutes) * time.Minute)
	}
	return out, nil
}

// adjustHighLatitude clamps fajr and isha to a portion of the night when
// twilight never ends or lasts longer than that portion. h is indexed
// fajr, sunrise, dhuhr, asr, sunset, isha.
func adjustHighLatitude(h *[6]float64, params methodParams, rule model.HighLatitudeRule) {
	night := fixHour(h[1] - h[4])

	fajrPortion := nightPortion(rule, params.FajrAngle) * night
	if math.IsNaN(h[0]) || fixHour(h[1]-h[0]) > fajrPortion {
		h[0] = h[1] - fajrPortion
	}

	if params.IshaInterval > 0 {
		return
	}
	ishaPortion := nightPortion(rule, params.IshaAngle) * night
	if math.IsNaN(h[5]) || fixHour(h[5]-h[4]) > ishaPortion {
		h[5] = h[4] + ishaPortion
	}
}

func nightPortion(rule model.HighLatitudeRule, angle float64) float64 {
	switch rule {
	case model.HighLatSeventhOfTheNight:
		return 1.0 / 7
	case model.HighLatTwilightAngle:
		return angle / 60
	default:
		return 0.5
	}
}
