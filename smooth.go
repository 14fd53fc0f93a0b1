package m7dash

import (
	"sort"
	"time"
)

// ema is an exponential moving average. The first raw sample primes the
// filter as-is rather than being blended against zero.
type ema struct {
	alpha  float64
	value  float64
	primed bool
}

func (e *ema) update(raw float64) float64 {
	if !e.primed {
		e.value = raw
		e.primed = true
		return e.value
	}
	e.value = e.value*(1-e.alpha) + raw*e.alpha
	return e.value
}

const fuelWindowSize = 10

// fuelSmoother conditions the fuel-level signal: a trimmed mean over a
// short sample window, then a rate-limited walk toward it. Emissions
// are held to a long interval so the gauge stays steady, except when a
// rapid rise indicates refueling.
type fuelSmoother struct {
	rapidRise   float64 // percentage points; a jump this large is a refuel
	maxStep     float64 // largest change per update otherwise
	minInterval time.Duration

	window   []float64
	value    float64
	primed   bool
	lastEmit time.Time
}

// update feeds one raw reading and returns the smoothed level plus
// whether it should be emitted now.
func (f *fuelSmoother) update(raw float64, now time.Time) (float64, bool) {
	f.window = append(f.window, raw)
	if len(f.window) > fuelWindowSize {
		f.window = f.window[1:]
	}

	target := raw
	if len(f.window) >= 3 {
		target = trimmedMean(f.window)
	}

	if !f.primed {
		f.value = target
		f.primed = true
		f.lastEmit = now
		return f.value, true
	}

	diff := target - f.value
	if diff >= f.rapidRise {
		f.value = target
		f.lastEmit = now
		return f.value, true
	}

	step := diff
	if step > f.maxStep {
		step = f.maxStep
	} else if step < -f.maxStep {
		step = -f.maxStep
	}
	f.value += step

	if now.Sub(f.lastEmit) >= f.minInterval {
		f.lastEmit = now
		return f.value, true
	}
	return f.value, false
}

// trimmedMean averages the window, discarding the extreme samples once
// the window is large enough for that to be meaningful.
func trimmedMean(window []float64) float64 {
	s := append([]float64(nil), window...)
	sort.Float64s(s)
	if len(s) > 4 {
		s = s[1 : len(s)-1]
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}
