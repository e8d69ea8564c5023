package models

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Instrument describes one tracked ETF: its ticker symbol, the sector it
// represents, and a static size metric used to normalize cumulative flow.
type Instrument struct {
	Symbol      string `yaml:"symbol" json:"symbol"`
	Sector      string `yaml:"sector" json:"sector"`
	TotalAssets string `yaml:"total_assets,omitempty" json:"total_assets,omitempty"`
}

// Validate checks the instrument definition for required fields and a
// parseable size metric when one is present.
func (i *Instrument) Validate() error {
	if i.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if i.Sector == "" {
		return &ValidationError{Field: "sector", Message: "sector cannot be empty"}
	}
	if i.TotalAssets != "" {
		assets, err := decimal.NewFromString(i.TotalAssets)
		if err != nil {
			return &ValidationError{Field: "total_assets", Message: fmt.Sprintf("invalid total assets format: %v", err)}
		}
		if assets.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{Field: "total_assets", Message: "total assets must be greater than 0"}
		}
	}
	return nil
}

// TotalAssetsDecimal returns the size metric as a decimal.Decimal.
// Returns decimal.Zero without error when no size metric is configured.
func (i *Instrument) TotalAssetsDecimal() (decimal.Decimal, error) {
	if i.TotalAssets == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(i.TotalAssets)
}

// Universe is the configured set of tracked instruments with lookup indexes
// by symbol and by sector. The zero value is not usable; construct with
// NewUniverse or LoadUniverse.
type Universe struct {
	instruments []Instrument
	bySymbol    map[string]*Instrument
	bySector    map[string][]*Instrument
}

// NewUniverse builds a universe from the provided instrument definitions.
// Duplicate symbols are rejected, and every instrument is validated.
func NewUniverse(instruments []Instrument) (*Universe, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("universe cannot be empty")
	}

	u := &Universe{
		instruments: make([]Instrument, 0, len(instruments)),
		bySymbol:    make(map[string]*Instrument, len(instruments)),
		bySector:    make(map[string][]*Instrument),
	}

	for idx, inst := range instruments {
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("instrument at index %d invalid: %w", idx, err)
		}
		symbol := strings.ToUpper(inst.Symbol)
		if _, exists := u.bySymbol[symbol]; exists {
			return nil, fmt.Errorf("duplicate symbol in universe: %s", symbol)
		}
		inst.Symbol = symbol
		u.instruments = append(u.instruments, inst)
		stored := &u.instruments[len(u.instruments)-1]
		u.bySymbol[symbol] = stored
		u.bySector[inst.Sector] = append(u.bySector[inst.Sector], stored)
	}

	return u, nil
}

// universeFile is the on-disk YAML shape of a universe definition.
type universeFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadUniverse reads a universe definition from a YAML file.
func LoadUniverse(path string) (*Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file %s: %w", path, err)
	}

	var file universeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse universe file %s: %w", path, err)
	}

	return NewUniverse(file.Instruments)
}

// DefaultUniverse returns the eleven SPDR sector ETFs with their sectors.
// Total assets are left unset; flow-to-assets ratios require a configured
// universe file that carries them.
func DefaultUniverse() *Universe {
	u, err := NewUniverse([]Instrument{
		{Symbol: "XLK", Sector: "Technology"},
		{Symbol: "XLF", Sector: "Financials"},
		{Symbol: "XLV", Sector: "Healthcare"},
		{Symbol: "XLY", Sector: "Consumer Discretionary"},
		{Symbol: "XLP", Sector: "Consumer Staples"},
		{Symbol: "XLE", Sector: "Energy"},
		{Symbol: "XLU", Sector: "Utilities"},
		{Symbol: "XLRE", Sector: "Real Estate"},
		{Symbol: "XLI", Sector: "Industrials"},
		{Symbol: "XLB", Sector: "Materials"},
		{Symbol: "XLC", Sector: "Communication Services"},
	})
	if err != nil {
		// The builtin set is static and always valid.
		panic(fmt.Sprintf("default universe construction failed: %v", err))
	}
	return u
}

// Lookup returns the instrument for a symbol, or nil if the symbol is not
// part of the universe. Lookup is case-insensitive.
func (u *Universe) Lookup(symbol string) *Instrument {
	return u.bySymbol[strings.ToUpper(symbol)]
}

// Contains reports whether the symbol is part of the universe.
func (u *Universe) Contains(symbol string) bool {
	return u.Lookup(symbol) != nil
}

// Symbols returns all symbols in the universe in sorted order.
func (u *Universe) Symbols() []string {
	symbols := make([]string, 0, len(u.instruments))
	for _, inst := range u.instruments {
		symbols = append(symbols, inst.Symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Sectors returns all sector names in the universe in sorted order.
func (u *Universe) Sectors() []string {
	sectors := make([]string, 0, len(u.bySector))
	for sector := range u.bySector {
		sectors = append(sectors, sector)
	}
	sort.Strings(sectors)
	return sectors
}

// SectorOf returns the sector name for a symbol, or the empty string if the
// symbol is not part of the universe.
func (u *Universe) SectorOf(symbol string) string {
	if inst := u.Lookup(symbol); inst != nil {
		return inst.Sector
	}
	return ""
}

// InstrumentsInSector returns the instruments belonging to a sector.
func (u *Universe) InstrumentsInSector(sector string) []Instrument {
	ptrs := u.bySector[sector]
	result := make([]Instrument, 0, len(ptrs))
	for _, p := range ptrs {
		result = append(result, *p)
	}
	return result
}

// Instruments returns a copy of all instruments in the universe.
func (u *Universe) Instruments() []Instrument {
	result := make([]Instrument, len(u.instruments))
	copy(result, u.instruments)
	return result
}

// Size returns the number of instruments in the universe.
func (u *Universe) Size() int {
	return len(u.instruments)
}
