// Package flow implements the directional money-flow estimator and its
// windowed aggregation. The estimator diffs each instrument's typical price
// day over day, signs it, and weights it by typical price times volume:
//
//	flow[t] = sign(tp[t] - tp[t-1]) * tp[t] * volume[t]
//
// Differencing never crosses instrument boundaries: Series operates on a
// single instrument's bars and rejects mixed-symbol input.
package flow

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// Direction is the sign of the day-over-day typical price change.
type Direction int

const (
	DirectionDown Direction = -1
	DirectionFlat Direction = 0
	DirectionUp   Direction = 1
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "flat"
	}
}

// Point is one day of computed flow for an instrument.
type Point struct {
	Symbol       string          `json:"symbol"`
	Date         time.Time       `json:"date"`
	TypicalPrice decimal.Decimal `json:"typical_price"`
	Direction    Direction       `json:"direction"`
	Flow         decimal.Decimal `json:"flow"`
}

// Series computes the daily flow series for a single instrument.
//
// Bars are sorted by date before differencing, so caller-side row order does
// not affect the result. Duplicate dates collapse to the last occurrence in
// the sorted input. The first bar of the series carries no prior price to
// diff against and is omitted from the output, which means a single-bar
// series yields an empty (zero-flow) result. A bar with zero volume produces
// a zero flow value regardless of the price move.
func Series(bars []models.Bar) ([]Point, error) {
	if len(bars) == 0 {
		return []Point{}, nil
	}

	symbol := bars[0].Symbol
	for i := range bars {
		if bars[i].Symbol != symbol {
			return nil, fmt.Errorf("mixed symbols in series: %s and %s", symbol, bars[i].Symbol)
		}
	}

	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})
	sorted = dedupeByDate(sorted)

	points := make([]Point, 0, len(sorted)-1)
	prevTP, err := sorted[0].TypicalPrice()
	if err != nil {
		return nil, fmt.Errorf("bar %s %s: %w", symbol, sorted[0].Date.Format("2006-01-02"), err)
	}

	for _, bar := range sorted[1:] {
		tp, err := bar.TypicalPrice()
		if err != nil {
			return nil, fmt.Errorf("bar %s %s: %w", symbol, bar.Date.Format("2006-01-02"), err)
		}
		volume, err := bar.VolumeDecimal()
		if err != nil {
			return nil, fmt.Errorf("bar %s %s: %w", symbol, bar.Date.Format("2006-01-02"), err)
		}

		direction := directionOf(tp.Sub(prevTP))
		points = append(points, Point{
			Symbol:       bar.Symbol,
			Date:         bar.Date,
			TypicalPrice: tp,
			Direction:    direction,
			Flow:         flowValue(direction, tp, volume),
		})
		prevTP = tp
	}

	return points, nil
}

// directionOf maps a price change to its sign.
func directionOf(change decimal.Decimal) Direction {
	switch change.Sign() {
	case 1:
		return DirectionUp
	case -1:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// flowValue computes direction * typical price * volume. Flat days and zero
// volume both contribute exactly zero.
func flowValue(direction Direction, tp, volume decimal.Decimal) decimal.Decimal {
	if direction == DirectionFlat || volume.IsZero() {
		return decimal.Zero
	}
	value := tp.Mul(volume)
	if direction == DirectionDown {
		return value.Neg()
	}
	return value
}

// dedupeByDate collapses bars sharing a calendar date, keeping the last
// occurrence. Input must already be sorted by date.
func dedupeByDate(sorted []models.Bar) []models.Bar {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, bar := range sorted[1:] {
		last := &out[len(out)-1]
		if sameDay(last.Date, bar.Date) {
			*last = bar
			continue
		}
		out = append(out, bar)
	}
	return out
}

// sameDay reports whether two timestamps fall on the same UTC calendar day.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
