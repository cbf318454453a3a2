package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/angelmondragon/paycore/pkg/config"
)

// Symbol positions.
const (
	PositionLeft       = "left"
	PositionRight      = "right"
	PositionLeftSpace  = "left_space"
	PositionRightSpace = "right_space"
)

// Settings are the store-wide display preferences.
type Settings struct {
	Code              string
	DecimalSeparator  string
	ThousandSeparator string
	Position          string
	Decimals          int
}

func SettingsFromConfig(cfg config.CurrencyConfig) Settings {
	return Settings{
		Code:              Code(cfg.Code),
		DecimalSeparator:  cfg.DecimalSeparator,
		ThousandSeparator: cfg.ThousandSeparator,
		Position:          cfg.Position,
		Decimals:          cfg.Decimals,
	}
}

var symbols = map[string]string{
	"USD": "$",
	"CAD": "$",
	"AUD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"KRW": "₩",
	"INR": "₹",
	"BRL": "R$",
	"CHF": "CHF",
}

// Symbol returns a display symbol, falling back to the ISO code.
func Symbol(code string) string {
	code = Code(code)
	if sym, ok := symbols[code]; ok {
		return sym
	}
	return code
}

// Format renders a canonical amount for display. code overrides the store
// currency when set.
func Format(canonical int64, code string, s Settings) string {
	if code == "" {
		code = s.Code
	}
	places := displayDecimals(code, s.Decimals)

	major := decimal.New(canonical, -2).Round(int32(places))
	negative := major.IsNegative()
	digits := major.Abs().StringFixed(int32(places))

	intPart, fracPart, _ := strings.Cut(digits, ".")
	body := groupThousands(intPart, s.ThousandSeparator)
	if places > 0 {
		sep := s.DecimalSeparator
		if sep == "" {
			sep = "."
		}
		body += sep + fracPart
	}

	sym := Symbol(code)
	var out string
	switch s.Position {
	case PositionRight:
		out = body + sym
	case PositionLeftSpace:
		out = sym + " " + body
	case PositionRightSpace:
		out = body + " " + sym
	default:
		out = sym + body
	}
	if negative {
		return "-" + out
	}
	return out
}

func displayDecimals(code string, configured int) int {
	if IsZeroDecimal(code) {
		return 0
	}
	if configured >= 0 && configured <= 4 {
		return configured
	}
	if unit, err := currency.ParseISO(Code(code)); err == nil {
		scale, _ := currency.Standard.Rounding(unit)
		return scale
	}
	return 2
}

func groupThousands(digits, sep string) string {
	if sep == "" || len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
