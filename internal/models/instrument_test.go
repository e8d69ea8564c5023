package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nowUTC() time.Time { return time.Now().UTC() }

func TestDefaultUniverse(t *testing.T) {
	u := DefaultUniverse()

	assert.Equal(t, 11, u.Size())
	assert.True(t, u.Contains("XLK"))
	assert.True(t, u.Contains("xlk"), "lookup should be case-insensitive")
	assert.False(t, u.Contains("SPY"))
	assert.Equal(t, "Technology", u.SectorOf("XLK"))
	assert.Equal(t, "", u.SectorOf("SPY"))
	assert.Len(t, u.Sectors(), 11)
}

func TestNewUniverseRejectsDuplicates(t *testing.T) {
	_, err := NewUniverse([]Instrument{
		{Symbol: "XLK", Sector: "Technology"},
		{Symbol: "xlk", Sector: "Technology"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate symbol")
}

func TestNewUniverseRejectsEmpty(t *testing.T) {
	_, err := NewUniverse(nil)
	require.Error(t, err)
}

func TestNewUniverseValidatesInstruments(t *testing.T) {
	_, err := NewUniverse([]Instrument{{Symbol: "XLK", Sector: ""}})
	require.Error(t, err)

	_, err = NewUniverse([]Instrument{{Symbol: "XLK", Sector: "Technology", TotalAssets: "-5"}})
	require.Error(t, err)
}

func TestLoadUniverseFromYAML(t *testing.T) {
	content := `instruments:
  - symbol: XLK
    sector: Technology
    total_assets: "65000000000"
  - symbol: XLE
    sector: Energy
    total_assets: "38000000000"
`
	path := filepath.Join(t.TempDir(), "universe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	u, err := LoadUniverse(path)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Size())

	inst := u.Lookup("XLK")
	require.NotNil(t, inst)
	assets, err := inst.TotalAssetsDecimal()
	require.NoError(t, err)
	assert.Equal(t, "65000000000", assets.String())
}

func TestLoadUniverseMissingFile(t *testing.T) {
	_, err := LoadUniverse("/nonexistent/universe.yaml")
	require.Error(t, err)
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob(JobTypeBarRefresh, "XLK", nowUTC().AddDate(0, 0, -30), nowUTC())
	require.NoError(t, job.Validate())
	assert.Equal(t, StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	require.NoError(t, job.Start())
	assert.Error(t, job.Start(), "double start must fail")

	require.NoError(t, job.UpdateProgress(50, 15))
	assert.Equal(t, 50, job.Progress)

	require.NoError(t, job.Complete())
	assert.True(t, job.IsComplete())
	assert.Equal(t, 100, job.Progress)
}

func TestJobRetry(t *testing.T) {
	job := NewJob(JobTypeQuoteRefresh, "", nowUTC(), nowUTC())
	require.NoError(t, job.Start())
	require.NoError(t, job.Fail("provider unreachable"))
	assert.True(t, job.IsFailed())
	assert.True(t, job.CanRetry())

	firstDelay := job.NextRetryDelay()
	require.NoError(t, job.Retry())
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, StatusPending, job.Status)
	assert.Greater(t, job.NextRetryDelay(), firstDelay)
}
