package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// Cents is a monetary amount in hundredths of the currency unit.
type Cents int64

var reAmount = regexp.MustCompile(`^\s*(-)?(\d+)(?:\.(\d{1,2}))?\s*$`)

// FromFloat converts a decimal amount, rounding half away from zero.
func FromFloat(v float64) Cents {
	return Cents(math.Round(v * 100))
}

// ParseCents parses "24.75", "-1" or "0.5" style amounts.
func ParseCents(s string) (Cents, error) {
	m := reAmount.FindStringSubmatch(s)
	if m == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		return FromFloat(f), nil
	}
	whole, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	frac := m[3]
	if len(frac) == 1 {
		frac += "0"
	}
	var cents int64
	if frac != "" {
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	total := whole*100 + cents
	if m[1] == "-" {
		total = -total
	}
	return Cents(total), nil
}

// Percent returns pct% of c rounded to the cent. pct is a 0-100 value.
func (c Cents) Percent(pct float64) Cents {
	return Cents(math.Round(float64(c) * pct / 100))
}

// Float returns the amount in currency units.
func (c Cents) Float() float64 {
	return float64(c) / 100
}

func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cents) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	if raw == "" {
		return errors.New("empty amount")
	}
	v, err := ParseCents(raw)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Schema describes Cents as a decimal number in the OpenAPI document.
func (Cents) Schema(r huma.Registry) *huma.Schema {
	return &huma.Schema{Type: huma.TypeNumber, Format: "decimal"}
}
