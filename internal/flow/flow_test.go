package flow

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// barAt builds a daily bar with a flat intraday range so the typical price
// equals the given price exactly.
func barAt(symbol string, day int, price, volume string) models.Bar {
	return models.Bar{
		Symbol: symbol,
		Date:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: volume,
	}
}

func TestSeriesEmptyInput(t *testing.T) {
	points, err := Series(nil)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestSeriesSingleBarYieldsNoFlow(t *testing.T) {
	points, err := Series([]models.Bar{barAt("XLK", 0, "100", "5000")})
	require.NoError(t, err)
	assert.Empty(t, points, "a single observation has no prior price to diff against")
}

func TestSeriesConstantPriceYieldsZeroFlow(t *testing.T) {
	bars := []models.Bar{
		barAt("XLK", 0, "100", "5000"),
		barAt("XLK", 1, "100", "6000"),
		barAt("XLK", 2, "100", "7000"),
		barAt("XLK", 3, "100", "8000"),
	}

	points, err := Series(bars)
	require.NoError(t, err)
	require.Len(t, points, 3)
	for _, p := range points {
		assert.Equal(t, DirectionFlat, p.Direction)
		assert.True(t, p.Flow.IsZero(), "flow on day %s should be zero, got %s", p.Date, p.Flow)
	}
}

func TestSeriesStrictlyIncreasingPricesYieldNonNegativeFlow(t *testing.T) {
	bars := []models.Bar{
		barAt("XLE", 0, "80.00", "1000"),
		barAt("XLE", 1, "80.50", "1500"),
		barAt("XLE", 2, "81.25", "2000"),
		barAt("XLE", 3, "82.10", "900"),
		barAt("XLE", 4, "83.00", "1100"),
	}

	points, err := Series(bars)
	require.NoError(t, err)
	require.Len(t, points, 4)
	for _, p := range points {
		assert.Equal(t, DirectionUp, p.Direction)
		assert.True(t, p.Flow.GreaterThanOrEqual(decimal.Zero),
			"flow must be non-negative for rising prices, got %s", p.Flow)
	}
}

func TestSeriesDecliningPricesYieldNegativeFlow(t *testing.T) {
	bars := []models.Bar{
		barAt("XLU", 0, "70", "1000"),
		barAt("XLU", 1, "69", "1000"),
	}

	points, err := Series(bars)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, DirectionDown, points[0].Direction)
	// flow = -1 * 69 * 1000
	assert.True(t, points[0].Flow.Equal(decimal.NewFromInt(-69000)),
		"expected -69000, got %s", points[0].Flow)
}

func TestSeriesZeroVolumeYieldsZeroFlow(t *testing.T) {
	bars := []models.Bar{
		barAt("XLV", 0, "130", "1000"),
		barAt("XLV", 1, "135", "0"),
	}

	points, err := Series(bars)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, DirectionUp, points[0].Direction, "direction still reflects the price move")
	assert.True(t, points[0].Flow.IsZero(), "zero volume must contribute zero flow")
}

func TestSeriesOrderIndependence(t *testing.T) {
	bars := []models.Bar{
		barAt("XLF", 0, "40.00", "1000"),
		barAt("XLF", 1, "40.50", "1200"),
		barAt("XLF", 2, "40.25", "900"),
		barAt("XLF", 3, "41.00", "1500"),
		barAt("XLF", 4, "40.75", "800"),
	}

	expected, err := Series(bars)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := make([]models.Bar, len(bars))
		copy(shuffled, bars)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got, err := Series(shuffled)
		require.NoError(t, err)
		require.Len(t, got, len(expected))
		for i := range expected {
			assert.True(t, got[i].Date.Equal(expected[i].Date))
			assert.True(t, got[i].Flow.Equal(expected[i].Flow),
				"trial %d point %d: expected %s, got %s", trial, i, expected[i].Flow, got[i].Flow)
		}
	}
}

func TestSeriesRejectsMixedSymbols(t *testing.T) {
	bars := []models.Bar{
		barAt("XLK", 0, "100", "1000"),
		barAt("XLF", 1, "40", "1000"),
	}

	_, err := Series(bars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixed symbols")
}

func TestSeriesDuplicateDatesCollapse(t *testing.T) {
	bars := []models.Bar{
		barAt("XLI", 0, "110", "1000"),
		barAt("XLI", 1, "108", "500"), // superseded by the later row for day 1
		barAt("XLI", 1, "111", "2000"),
	}

	points, err := Series(bars)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, DirectionUp, points[0].Direction)
	assert.True(t, points[0].Flow.Equal(decimal.NewFromInt(222000)),
		"expected 111*2000 = 222000, got %s", points[0].Flow)
}

func TestSeriesUsesTypicalPrice(t *testing.T) {
	day0 := barAt("XLB", 0, "90", "1000")
	day1 := models.Bar{
		Symbol: "XLB",
		Date:   day0.Date.AddDate(0, 0, 1),
		Open:   "90",
		High:   "96",
		Low:    "90",
		Close:  "93",
		Volume: "100",
	}

	points, err := Series([]models.Bar{day0, day1})
	require.NoError(t, err)
	require.Len(t, points, 1)

	// typical = (96+90+93)/3 = 93, change vs 90 is up, flow = 93*100
	assert.True(t, points[0].TypicalPrice.Equal(decimal.NewFromInt(93)))
	assert.True(t, points[0].Flow.Equal(decimal.NewFromInt(9300)))
}

func TestSeriesMalformedBarSurfacesError(t *testing.T) {
	bars := []models.Bar{
		barAt("XLY", 0, "150", "1000"),
		{Symbol: "XLY", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open: "150", High: "junk", Low: "150", Close: "150", Volume: "1000"},
	}

	_, err := Series(bars)
	require.Error(t, err)
}

func BenchmarkSeries(b *testing.B) {
	bars := make([]models.Bar, 0, 252)
	price := decimal.NewFromInt(100)
	for day := 0; day < 252; day++ {
		if day%2 == 0 {
			price = price.Add(decimal.NewFromFloat(0.25))
		} else {
			price = price.Sub(decimal.NewFromFloat(0.10))
		}
		bars = append(bars, barAt("XLK", day, price.String(), fmt.Sprintf("%d", 1000+day)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Series(bars); err != nil {
			b.Fatal(err)
		}
	}
}
