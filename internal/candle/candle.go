// Package candle aligns wall-clock instants to bar indices on a configured
// timeframe, and counts closed bars between two instants for the expiry
// reaper.
package candle

import (
	"time"

	"github.com/riverbend/signalbot/internal/models"
)

// maxIterations caps the bar-by-bar scan used by the session-aware models
// (24x5, RTH) so a misconfigured timeframe can never spin the reaper loop
// indefinitely.
const maxIterations = 1000

// BarIndex returns the index of the bar containing instant t, for a
// timeframe of barMinutes anchored at phaseMinutes past the Unix epoch.
func BarIndex(t time.Time, phaseMinutes, barMinutes int) int64 {
	unixMinutes := t.Unix() / 60
	return floorDiv(unixMinutes-int64(phaseMinutes), int64(barMinutes))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// barStart returns the instant at which the bar with the given index opens.
func barStart(idx int64, phaseMinutes, barMinutes int) time.Time {
	minutes := idx*int64(barMinutes) + int64(phaseMinutes)
	return time.Unix(minutes*60, 0).UTC()
}

// IsMarketOpen reports whether the market is open at instant t under the
// given session model.
func IsMarketOpen(t time.Time, model models.SessionModel) bool {
	u := t.UTC()
	switch model {
	case models.Session24x7:
		return true
	case models.SessionRTH:
		wd := u.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		minutesOfDay := u.Hour()*60 + u.Minute()
		return minutesOfDay >= 14*60+30 && minutesOfDay <= 21*60
	case models.Session24x5:
		fallthrough
	default:
		wd := u.Weekday()
		hour := u.Hour()
		switch {
		case wd == time.Friday && hour >= 22:
			return false
		case wd == time.Saturday:
			return false
		case wd == time.Sunday && hour < 22:
			return false
		default:
			return true
		}
	}
}

// ClosedBars counts the number of closed bars between created and now on
// the given timeframe, respecting the instrument's session model.
func ClosedBars(created, now time.Time, phaseMinutes, barMinutes int, model models.SessionModel) int {
	startIdx := BarIndex(created, phaseMinutes, barMinutes)
	endIdx := BarIndex(now, phaseMinutes, barMinutes)
	if endIdx <= startIdx {
		return 0
	}

	if model == models.Session24x7 || model == "" {
		return int(endIdx - startIdx)
	}

	count := 0
	iterations := 0
	for idx := startIdx; idx < endIdx; idx++ {
		iterations++
		if iterations > maxIterations {
			break
		}
		if IsMarketOpen(barStart(idx, phaseMinutes, barMinutes), model) {
			count++
		}
	}
	return count
}

// TimeoutInstant returns the wall-clock instant at which an order created
// at `created` will reach `timeoutBars` closed bars, for operator-facing
// logging only. The reaper never uses this value for its own decision — it
// always re-derives the live closed-bar count at cycle time.
func TimeoutInstant(created time.Time, timeoutBars int, phaseMinutes, barMinutes int, model models.SessionModel) time.Time {
	startIdx := BarIndex(created, phaseMinutes, barMinutes)
	if model == models.Session24x7 || model == "" {
		return barStart(startIdx+int64(timeoutBars), phaseMinutes, barMinutes)
	}

	idx := startIdx
	counted := 0
	iterations := 0
	for counted < timeoutBars {
		iterations++
		if iterations > maxIterations {
			break
		}
		idx++
		if IsMarketOpen(barStart(idx, phaseMinutes, barMinutes), model) {
			counted++
		}
	}
	return barStart(idx, phaseMinutes, barMinutes)
}

// DefaultPhaseMinutes returns the spec's default phase offset for a symbol
// lacking an explicit catalog phase, based on a coarse asset-class guess
// from the symbol's session model: 24x7 gets the crypto default, RTH the
// equity default, and everything else (forex/metals/indices) the FX default.
func DefaultPhaseMinutes(spec models.InstrumentSpec) int {
	if spec.HasPhase {
		return spec.PhaseMinutes
	}
	switch spec.SessionModel {
	case models.Session24x7:
		return models.DefaultPhaseMinutesCrypto
	case models.SessionRTH:
		return models.DefaultPhaseMinutesEquity
	}
	return models.DefaultPhaseMinutesFX
}
