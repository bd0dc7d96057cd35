package fusion

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/currency"
	"gopkg.in/yaml.v3"
)

// RateTable converts comp currencies into the target unit. Keys are ISO-4217
// codes; values are the multiplier into the target currency.
type RateTable map[string]float64

// DefaultRates is a static conversion table into USD. Rates here only need
// to be roughly right: fusion tolerance dominates FX drift for comps.
func DefaultRates() RateTable {
	return RateTable{
		"USD": 1.0,
		"EUR": 1.08,
		"GBP": 1.27,
		"CAD": 0.73,
		"AUD": 0.65,
		"JPY": 0.0067,
	}
}

// LoadRates reads a rate override table from a YAML file and validates every
// code as ISO-4217.
func LoadRates(path string) (RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fusion: read rates %s", path)
	}

	var raw struct {
		Rates map[string]float64 `yaml:"rates"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "fusion: unmarshal rates")
	}

	table := make(RateTable, len(raw.Rates))
	for code, rate := range raw.Rates {
		unit, err := currency.ParseISO(code)
		if err != nil {
			return nil, eris.Wrapf(err, "fusion: invalid currency code %q", code)
		}
		if rate <= 0 {
			return nil, eris.Errorf("fusion: non-positive rate for %s", unit.String())
		}
		table[unit.String()] = rate
	}
	return table, nil
}

// Convert converts an amount from the given currency into the target unit.
// Returns false when the currency is unknown to the table.
func (t RateTable) Convert(amount float64, code string) (float64, bool) {
	rate, ok := t[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, false
	}
	return amount * rate, true
}
