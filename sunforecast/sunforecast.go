// Package sunforecast estimates whether PV generation should currently be
// available, as a soft advisory input to the balancing control loop: a PV
// device reporting zero power while the sun is well above the horizon is
// more likely snow-covered or faulted than merely dark.
package sunforecast

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// Estimate is the solar position snapshot for a given place and time.
type Estimate struct {
	SolarAltitudeDeg float64
	Sunrise          time.Time
	Sunset           time.Time
	Daylight         bool
}

// Forecaster computes sun position and daylight windows for a fixed site.
type Forecaster struct {
	latitude  float64
	longitude float64
}

// NewForecaster returns a Forecaster anchored at the given coordinates.
func NewForecaster(latitude, longitude float64) *Forecaster {
	return &Forecaster{latitude: latitude, longitude: longitude}
}

// At returns the solar position and daylight window for the given instant.
func (f *Forecaster) At(at time.Time) Estimate {
	times := suncalc.GetTimes(at, f.latitude, f.longitude)
	pos := suncalc.GetPosition(at, f.latitude, f.longitude)

	sunrise := times["sunrise"].Value
	sunset := times["sunset"].Value

	return Estimate{
		SolarAltitudeDeg: pos.Altitude * 180 / math.Pi,
		Sunrise:          sunrise,
		Sunset:           sunset,
		Daylight:         at.After(sunrise) && at.Before(sunset),
	}
}

// ExpectedFraction returns a 0-1 estimate of available generation capacity
// relative to peak, using the sine of solar altitude as the curve. It
// returns 0 outside daylight hours or below the horizon.
func (e Estimate) ExpectedFraction() float64 {
	if !e.Daylight {
		return 0
	}
	factor := math.Sin(e.SolarAltitudeDeg * math.Pi / 180)
	if factor < 0 {
		return 0
	}
	return factor
}

// LikelyObstructed reports whether measured PV output is suspiciously low
// given how much generation the sun position alone would predict — the
// signature of snow cover or a wiring fault rather than genuine darkness.
func (e Estimate) LikelyObstructed(peakCapacityKW, measuredKW float64) bool {
	expectedKW := peakCapacityKW * e.ExpectedFraction()
	return expectedKW > 1.0 && measuredKW < 0.1
}
