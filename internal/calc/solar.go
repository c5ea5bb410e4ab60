package calc

import "math"

// Solar position helpers. Angles are in degrees, times in decimal hours.

const riseSetAngle = 0.833

func dsin(d float64) float64 {
	return math.Sin(d * math.Pi / 180)
}

func dcos(d float64) float64 {
	return math.Cos(d * math.Pi / 180)
}

func dtan(d float64) float64 {
	return math.Tan(d * math.Pi / 180)
}

func darcsin(x float64) float64 {
	return math.Asin(x) * 180 / math.Pi
}

func darccos(x float64) float64 {
	return math.Acos(x) * 180 / math.Pi
}

func darccot(x float64) float64 {
	return math.Atan(1/x) * 180 / math.Pi
}

func darctan2(y, x float64) float64 {
	return math.Atan2(y, x) * 180 / math.Pi
}

func fixAngle(a float64) float64 {
	return fix(a, 360)
}

func fixHour(h float64) float64 {
	return fix(h, 24)
}

func fix(a, b float64) float64 {
	a = a - b*math.Floor(a/b)
	if a < 0 {
		return a + b
	}
	return a
}

// julianDate returns the Julian date at 0h UT of the given civil date.
func julianDate(year, month, day int) float64 {
	if month <= 2 {
		year--
		month += 12
	}
	a := math.Floor(float64(year) / 100)
	b := 2 - a + math.Floor(a/4)
	return math.Floor(365.25*float64(year+4716)) +
		math.Floor(30.6001*float64(month+1)) +
		float64(day) + b - 1524.5
}

// sunPosition returns the sun's declination and the equation of time
// (hours) for the given Julian date.
func sunPosition(jd float64) (decl, eqt float64) {
	d := jd - 2451545.0
	g := fixAngle(357.529 + 0.98560028*d)
	q := fixAngle(280.459 + 0.98564736*d)
	l := fixAngle(q + 1.915*dsin(g) + 0.020*dsin(2*g))
	e := 23.439 - 0.00000036*d

	ra := darctan2(dcos(e)*dsin(l), dcos(l)) / 15
	eqt = q/15 - fixHour(ra)
	decl = darcsin(dsin(e) * dsin(l))
	return decl, eqt
}

// solarDay evaluates sun-angle times for one date at one latitude. jd is
// already shifted by the longitude so results are local solar hours.
type solarDay struct {
	jd  float64
	lat float64
}

// midDay is the time of solar transit near day portion t.
func (s solarDay) midDay(t float64) float64 {
	_, eqt := sunPosition(s.jd + t)
	return fixHour(12 - eqt)
}

// angleTime returns when the sun is angle degrees below the horizon,
// before transit if ccw. NaN when the sun never reaches that angle.
func (s solarDay) angleTime(angle, t float64, ccw bool) float64 {
	decl, _ := sunPosition(s.jd + t)
	noon := s.midDay(t)
	cosH := (-dsin(angle) - dsin(decl)*dsin(s.lat)) / (dcos(decl) * dcos(s.lat))
	h := darccos(cosH) / 15
	if ccw {
		return noon - h
	}
	return noon + h
}

// asrTime returns asr for shadow factor 1 (standard) or 2 (hanafi).
func (s solarDay) asrTime(factor, t float64) float64 {
	decl, _ := sunPosition(s.jd + t)
	angle := -darccot(factor + dtan(math.Abs(s.lat-decl)))
	return s.angleTime(angle, t, false)
}
