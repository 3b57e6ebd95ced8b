package obd

import (
	"fmt"
	"math"
)

// Unit tags a physical magnitude. The values follow the names the ELM327
// decoders emit.
type Unit string

// Known units.
const (
	UnitNone       Unit = ""
	UnitKPH        Unit = "kph"
	UnitMPH        Unit = "mph"
	UnitMPS        Unit = "m/s"
	UnitCelsius    Unit = "degC"
	UnitFahrenheit Unit = "degF"
	UnitKelvin     Unit = "K"
	UnitVolt       Unit = "V"
	UnitMillivolt  Unit = "mV"
	UnitPercent    Unit = "percent"
	UnitRatio      Unit = "ratio"
	UnitLPH        Unit = "L/h"
	UnitGPH        Unit = "gal/h"
	UnitRPM        Unit = "rpm"
	UnitGPS        Unit = "g/s"
	UnitKPA        Unit = "kPa"
)

// dimension groups units that can be converted into each other.
type dimension int

const (
	dimNone dimension = iota
	dimSpeed
	dimTemperature
	dimVoltage
	dimFraction
	dimVolumeFlow
	dimRotation
	dimMassFlow
	dimPressure
)

// unitDef maps a unit onto its dimension's base unit: base = v*scale + offset.
type unitDef struct {
	dim    dimension
	scale  float64
	offset float64
}

// Base units: kph, degC, V, percent, L/h, rpm, g/s, kPa.
var unitTable = map[Unit]unitDef{
	UnitNone:       {dimNone, 1, 0},
	UnitKPH:        {dimSpeed, 1, 0},
	UnitMPH:        {dimSpeed, 1.609344, 0},
	UnitMPS:        {dimSpeed, 3.6, 0},
	UnitCelsius:    {dimTemperature, 1, 0},
	UnitFahrenheit: {dimTemperature, 5.0 / 9.0, -32 * 5.0 / 9.0},
	UnitKelvin:     {dimTemperature, 1, -273.15},
	UnitVolt:       {dimVoltage, 1, 0},
	UnitMillivolt:  {dimVoltage, 0.001, 0},
	UnitPercent:    {dimFraction, 1, 0},
	UnitRatio:      {dimFraction, 100, 0},
	UnitLPH:        {dimVolumeFlow, 1, 0},
	UnitGPH:        {dimVolumeFlow, 3.785411784, 0},
	UnitRPM:        {dimRotation, 1, 0},
	UnitGPS:        {dimMassFlow, 1, 0},
	UnitKPA:        {dimPressure, 1, 0},
}

// Quantity is a magnitude with its unit.
type Quantity struct {
	Magnitude float64
	Unit      Unit
}

// Q is shorthand for building a Quantity.
func Q(v float64, u Unit) Quantity {
	return Quantity{Magnitude: v, Unit: u}
}

func (q Quantity) String() string {
	if q.Unit == UnitNone {
		return fmt.Sprintf("%g", q.Magnitude)
	}
	return fmt.Sprintf("%g %s", q.Magnitude, q.Unit)
}

// Convert expresses q in the target unit.
//
// Returns:
//   - float64: The converted magnitude
//   - error: ErrUnknownUnit if either unit is not in the table,
//     ErrIncompatibleUnit if the dimensions differ
func Convert(q Quantity, to Unit) (float64, error) {
	from, ok := unitTable[q.Unit]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, q.Unit)
	}
	target, ok := unitTable[to]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if from.dim != target.dim {
		return 0, fmt.Errorf("%w: %s to %s", ErrIncompatibleUnit, q.Unit, to)
	}
	base := q.Magnitude*from.scale + from.offset
	v := (base - target.offset) / target.scale
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite result", ErrIncompatibleUnit)
	}
	return v, nil
}
