// Package precision provides exact-decimal quantization tied to exchange
// tick and step sizes.
package precision

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "trade_engine/pkg/errors"
)

// Mode selects the rounding direction of Quantize
type Mode int

const (
	Floor Mode = iota
	Ceil
	HalfUp
)

// Quantize aligns value to an integer multiple of step. The result never
// exceeds value by more than one step (Ceil) nor falls short by more than
// one step (Floor).
func Quantize(value, step decimal.Decimal, mode Mode) (decimal.Decimal, error) {
	if step.Sign() <= 0 {
		return decimal.Zero, apperrors.Wrap(apperrors.ErrPrecision, "step must be positive, got %s", step)
	}

	units := value.Div(step)
	switch mode {
	case Floor:
		units = units.Floor()
	case Ceil:
		units = units.Ceil()
	case HalfUp:
		units = units.Round(0)
	default:
		return decimal.Zero, fmt.Errorf("unknown quantize mode %d", mode)
	}
	return units.Mul(step), nil
}

// MustQuantize is Quantize for steps already validated as positive
func MustQuantize(value, step decimal.Decimal, mode Mode) decimal.Decimal {
	q, err := Quantize(value, step, mode)
	if err != nil {
		panic(err)
	}
	return q
}

// FloorToStep rounds value down to a multiple of step
func FloorToStep(value, step decimal.Decimal) (decimal.Decimal, error) {
	return Quantize(value, step, Floor)
}

// CeilToStep rounds value up to a multiple of step
func CeilToStep(value, step decimal.Decimal) (decimal.Decimal, error) {
	return Quantize(value, step, Ceil)
}

// FloorToPrecision rounds down when the step is 10^-decimals
func FloorToPrecision(value decimal.Decimal, decimals int32) decimal.Decimal {
	return value.RoundFloor(decimals)
}

// CeilToPrecision rounds up when the step is 10^-decimals
func CeilToPrecision(value decimal.Decimal, decimals int32) decimal.Decimal {
	return value.RoundCeil(decimals)
}

// IsAligned reports whether value is an integer multiple of step
func IsAligned(value, step decimal.Decimal) bool {
	if step.Sign() <= 0 {
		return false
	}
	return value.Mod(step).IsZero()
}
