// Package bolt11 extracts the amount embedded in a BOLT11 payment request
// string. The multiplexer treats BOLT11 invoices as opaque apart from this
// one field (spec GLOSSARY): pay_invoice resolves its amount from the
// invoice itself before falling back to a caller-supplied override.
package bolt11

import (
	"strconv"
	"strings"
)

// AmountMsat returns the amount encoded in invoice's human-readable part, in
// millisatoshi, and whether an amount was present at all (BOLT11 allows
// amount-less invoices).
func AmountMsat(invoice string) (int64, bool) {
	s := strings.ToLower(strings.TrimSpace(invoice))
	s = strings.TrimPrefix(s, "lightning:")
	if !strings.HasPrefix(s, "ln") {
		return 0, false
	}

	// The bech32 separator is the last '1' in the string: bech32's data
	// charset excludes '1', so it can only appear in the human-readable
	// part that precedes it.
	sep := strings.LastIndex(s, "1")
	if sep < 0 {
		return 0, false
	}
	hrp := s[2:sep] // drop the "ln" prefix

	i := 0
	for i < len(hrp) && (hrp[i] < '0' || hrp[i] > '9') {
		i++
	}
	amountPart := hrp[i:]
	if amountPart == "" {
		return 0, false
	}

	digits := amountPart
	var multiplier byte
	switch amountPart[len(amountPart)-1] {
	case 'm', 'u', 'n', 'p':
		multiplier = amountPart[len(amountPart)-1]
		digits = amountPart[:len(amountPart)-1]
	}
	if digits == "" {
		return 0, false
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}

	// 1 BTC == 10^11 msat; each multiplier scales that down by 10^3.
	switch multiplier {
	case 0:
		return value * 100_000_000_000, true
	case 'm':
		return value * 100_000_000, true
	case 'u':
		return value * 100_000, true
	case 'n':
		return value * 100, true
	case 'p':
		// pico-bitcoin units are tenths of a msat; BOLT11 requires the
		// value to be a multiple of 10 so the result is a whole msat.
		if value%10 != 0 {
			return 0, false
		}
		return value / 10, true
	default:
		return 0, false
	}
}
