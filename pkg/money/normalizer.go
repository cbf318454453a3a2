// Package money converts amounts between gateway units and the canonical
// minor-unit integers stored on orders and transactions.
//
// The canonical store always holds a cents-like integer. Zero-decimal
// currencies (JPY, KRW, ...) are therefore multiplied by 100 on the way in
// and divided by 100 on the way out. No other code should scale amounts.
package money

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/angelmondragon/paycore/pkg/logger"
)

const zeroDecimalFactor = 100

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// Normalizer applies the unit conversion and reports unknown codes.
type Normalizer struct {
	logg *logger.Logger
}

func NewNormalizer(logg *logger.Logger) *Normalizer {
	return &Normalizer{logg: logg}
}

// Code upper-cases and trims a currency code.
func Code(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// IsZeroDecimal reports whether the currency has no minor unit at the gateway.
func IsZeroDecimal(code string) bool {
	_, ok := zeroDecimalCurrencies[Code(code)]
	return ok
}

// IsKnown reports whether code is a recognised ISO 4217 currency.
func IsKnown(code string) bool {
	_, err := currency.ParseISO(Code(code))
	return err == nil
}

// ToCanonicalMinorUnits converts an amount as reported by a gateway into canonical units.
func (n *Normalizer) ToCanonicalMinorUnits(ctx context.Context, gatewayAmount int64, code string) int64 {
	n.checkKnown(ctx, code)
	if IsZeroDecimal(code) {
		return gatewayAmount * zeroDecimalFactor
	}
	return gatewayAmount
}

// ToGatewayUnits converts a canonical amount into what the gateway expects.
// Canonical amounts for zero-decimal currencies that are not whole units are
// rounded half away from zero.
func (n *Normalizer) ToGatewayUnits(ctx context.Context, canonical int64, code string) int64 {
	n.checkKnown(ctx, code)
	if !IsZeroDecimal(code) {
		return canonical
	}
	if canonical%zeroDecimalFactor == 0 {
		return canonical / zeroDecimalFactor
	}
	return decimal.NewFromInt(canonical).Div(decimal.NewFromInt(zeroDecimalFactor)).Round(0).IntPart()
}

func (n *Normalizer) checkKnown(ctx context.Context, code string) {
	if IsKnown(code) || n == nil || n.logg == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	n.logg.Warn(n.logg.WithField(ctx, "currency", code), "unknown currency code, treating as decimal currency")
}
