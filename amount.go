package ap2

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a monetary value in minor units of the settlement currency
// (cents for USD). The reference wire format carries amounts as two-decimal
// strings; internally everything is integer arithmetic so totals never pick
// up float rounding.
type Amount int64

// ParseAmount converts a decimal wire string such as "1133.00" or "50" into
// minor units. At most two fractional digits are accepted.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount: empty value")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	// strconv would tolerate a sign inside either part; only bare digits are
	// valid here.
	if !allDigits(whole) || (frac != "" && !allDigits(frac)) {
		return 0, fmt.Errorf("amount: %q is not a decimal value", s)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount: %q is not a decimal value", s)
	}
	var cents int64
	switch len(frac) {
	case 0:
	case 1:
		cents = int64(frac[0]-'0') * 10
	case 2:
		cents = int64(frac[0]-'0')*10 + int64(frac[1]-'0')
	default:
		return 0, fmt.Errorf("amount: %q has more than two fractional digits", s)
	}
	total := units*100 + cents
	if neg {
		total = -total
	}
	return Amount(total), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustParseAmount is ParseAmount for fixtures and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount in the two-decimal wire format.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON emits the amount as a two-decimal JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts both the string wire format and bare JSON numbers,
// which the legacy fixtures still emit.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
