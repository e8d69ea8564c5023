package flow

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// Summary aggregates a flow series over a trailing window.
type Summary struct {
	Key          string          `json:"key"`
	Window       int             `json:"window"`
	Days         int             `json:"days"`
	NetFlow      decimal.Decimal `json:"net_flow"`
	MeanFlow     decimal.Decimal `json:"mean_flow"`
	StdDevFlow   decimal.Decimal `json:"std_dev_flow"`
	PositiveDays int             `json:"positive_days"`
	NegativeDays int             `json:"negative_days"`
	FlatDays     int             `json:"flat_days"`
	From         time.Time       `json:"from,omitempty"`
	To           time.Time       `json:"to,omitempty"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// Summarize aggregates the trailing window of a single instrument's flow
// series: net flow (sum), mean, population standard deviation, and counts of
// positive/negative/flat days.
//
// A window of 0 means the full series. A window larger than the series uses
// every available point; Days reports how many actually contributed. An
// empty series produces an all-zero summary rather than an error, since an
// instrument with a single observation legitimately has no flow.
func Summarize(points []Point, window int) (*Summary, error) {
	if window < 0 {
		return nil, fmt.Errorf("window must be non-negative, got %d", window)
	}

	trailing := trailingWindow(points, window)

	summary := &Summary{
		Window:     window,
		Days:       len(trailing),
		NetFlow:    decimal.Zero,
		MeanFlow:   decimal.Zero,
		StdDevFlow: decimal.Zero,
		ComputedAt: time.Now().UTC(),
	}
	if len(trailing) == 0 {
		return summary, nil
	}

	summary.Key = trailing[0].Symbol
	summary.From = trailing[0].Date
	summary.To = trailing[len(trailing)-1].Date

	for _, p := range trailing {
		summary.NetFlow = summary.NetFlow.Add(p.Flow)
		switch p.Direction {
		case DirectionUp:
			summary.PositiveDays++
		case DirectionDown:
			summary.NegativeDays++
		default:
			summary.FlatDays++
		}
	}

	n := decimal.NewFromInt(int64(len(trailing)))
	summary.MeanFlow = summary.NetFlow.Div(n)
	summary.StdDevFlow = stdDev(trailing, summary.MeanFlow)

	return summary, nil
}

// SummarizeBySector aggregates per-instrument flow series into per-sector
// summaries. Each instrument's series must already be computed independently
// so that day-over-day differencing never mixed instruments; this function
// only sums the resulting flows within each sector.
func SummarizeBySector(universe *models.Universe, seriesBySymbol map[string][]Point, window int) (map[string]*Summary, error) {
	if universe == nil {
		return nil, fmt.Errorf("universe is required")
	}
	if window < 0 {
		return nil, fmt.Errorf("window must be non-negative, got %d", window)
	}

	result := make(map[string]*Summary)

	for _, sector := range universe.Sectors() {
		sectorSummary := &Summary{
			Key:        sector,
			Window:     window,
			NetFlow:    decimal.Zero,
			MeanFlow:   decimal.Zero,
			StdDevFlow: decimal.Zero,
			ComputedAt: time.Now().UTC(),
		}

		// Merge the trailing windows of all member instruments into one
		// sample before computing moments, so sector mean and stddev are
		// over instrument-days, not over instrument sums.
		var merged []Point
		for _, inst := range universe.InstrumentsInSector(sector) {
			merged = append(merged, trailingWindow(seriesBySymbol[inst.Symbol], window)...)
		}
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Date.Before(merged[j].Date)
		})

		sectorSummary.Days = len(merged)
		for _, p := range merged {
			sectorSummary.NetFlow = sectorSummary.NetFlow.Add(p.Flow)
			switch p.Direction {
			case DirectionUp:
				sectorSummary.PositiveDays++
			case DirectionDown:
				sectorSummary.NegativeDays++
			default:
				sectorSummary.FlatDays++
			}
		}
		if len(merged) > 0 {
			sectorSummary.From = merged[0].Date
			sectorSummary.To = merged[len(merged)-1].Date
			n := decimal.NewFromInt(int64(len(merged)))
			sectorSummary.MeanFlow = sectorSummary.NetFlow.Div(n)
			sectorSummary.StdDevFlow = stdDev(merged, sectorSummary.MeanFlow)
		}

		result[sector] = sectorSummary
	}

	return result, nil
}

// FlowToAssets normalizes cumulative net flow by a static size metric,
// producing a dimensionless flow-to-size ratio.
func FlowToAssets(netFlow, totalAssets decimal.Decimal) (decimal.Decimal, error) {
	if totalAssets.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("total assets must be greater than 0, got %s", totalAssets)
	}
	return netFlow.Div(totalAssets), nil
}

// trailingWindow returns the last `window` points of a series, or the whole
// series when window is 0 or exceeds its length.
func trailingWindow(points []Point, window int) []Point {
	if window <= 0 || window >= len(points) {
		return points
	}
	return points[len(points)-window:]
}

// stdDev computes the population standard deviation of the flow values.
// decimal has no square root, so the final step goes through float64; the
// spread of daily flows does not need exact arithmetic the way the sums do.
func stdDev(points []Point, mean decimal.Decimal) decimal.Decimal {
	if len(points) < 2 {
		return decimal.Zero
	}

	sumSquares := decimal.Zero
	for _, p := range points {
		diff := p.Flow.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}

	variance := sumSquares.Div(decimal.NewFromInt(int64(len(points))))
	f, _ := variance.Float64()
	if f < 0 {
		f = 0
	}
	return decimal.NewFromFloat(math.Sqrt(f))
}
