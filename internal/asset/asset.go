package asset

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Code identifies a ledger asset. Amounts of every asset are stored as int64
// minor units; the code decides what one unit means.
type Code string

const (
	// IRR is Iranian rial; one minor unit is one rial.
	IRR Code = "IRR"
	// XAU is gold metal; one minor unit is one milligram.
	XAU Code = "XAU_MG"
)

// ErrUnknown is returned for asset codes the engine does not book.
var ErrUnknown = errors.New("unknown asset")

type unitInfo struct {
	// display exponent: minor units are divided by 10^shift for display
	shift  int32
	places int32
	unit   string
}

var known = map[Code]unitInfo{
	IRR: {shift: 1, places: 0, unit: "toman"},
	XAU: {shift: 3, places: 3, unit: "g"},
}

// Parse validates a raw asset code.
func Parse(raw string) (Code, error) {
	code := Code(raw)
	if _, ok := known[code]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, raw)
	}
	return code, nil
}

// Valid reports whether the code is booked by the engine.
func (c Code) Valid() bool {
	_, ok := known[c]
	return ok
}

func (c Code) String() string { return string(c) }

// Format renders minor units for humans: rial amounts as toman, milligrams as
// grams with three decimals.
func Format(c Code, minor int64) string {
	s, ok := known[c]
	if !ok {
		return fmt.Sprintf("%d %s", minor, c)
	}
	value := decimal.New(minor, -s.shift)
	return value.StringFixed(s.places) + " " + s.unit
}
