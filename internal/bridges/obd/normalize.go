package obd

import "math"

// Class selects the conversion applied to a reading.
type Class int

// Sensor classes.
const (
	ClassGeneric Class = iota
	ClassSpeed
	ClassThrottle
	ClassFuelTrim
	ClassTemperature
	ClassVoltage
)

func (c Class) String() string {
	switch c {
	case ClassSpeed:
		return "speed"
	case ClassThrottle:
		return "throttle"
	case ClassFuelTrim:
		return "fuel_trim"
	case ClassTemperature:
		return "temperature"
	case ClassVoltage:
		return "voltage"
	default:
		return "generic"
	}
}

// classTarget is the unit each class is expressed in.
var classTarget = map[Class]Unit{
	ClassSpeed:       UnitKPH,
	ClassThrottle:    UnitPercent,
	ClassFuelTrim:    UnitPercent,
	ClassTemperature: UnitCelsius,
	ClassVoltage:     UnitMillivolt,
}

// fallbackChain is tried in order when the class conversion does not apply.
// The mV step converts from volts, so a reading in any voltage unit lands
// as millivolts.
var fallbackChain = []Unit{UnitCelsius, UnitKPH, UnitLPH, UnitMillivolt}

// Normalizer converts unit-tagged readings into the integer schema.
// The zero value is ready to use.
type Normalizer struct{}

// Normalize converts q to its class unit, rounds half to even and clamps.
//
// Throttle is clamped to [0,100] and fuel trims to [-100,100]. When q cannot
// be expressed in the class unit, the fallback chain is tried and finally
// the raw magnitude is used. Non-finite magnitudes are absent.
//
// Returns:
//   - int64: Normalized value
//   - bool: false when the reading is absent
func (Normalizer) Normalize(q Quantity, class Class) (int64, bool) {
	if math.IsNaN(q.Magnitude) || math.IsInf(q.Magnitude, 0) {
		return 0, false
	}

	v, ok := convertForClass(q, class)
	if !ok {
		v, ok = convertFallback(q)
	}
	if !ok {
		return 0, false
	}

	v = math.RoundToEven(v)
	switch class {
	case ClassThrottle:
		v = clamp(v, 0, 100)
	case ClassFuelTrim:
		v = clamp(v, -100, 100)
	}

	if v >= math.MaxInt64 || v < math.MinInt64 {
		return 0, false
	}
	return int64(v), true
}

func convertForClass(q Quantity, class Class) (float64, bool) {
	target, ok := classTarget[class]
	if !ok {
		return 0, false
	}
	v, err := Convert(q, target)
	return v, err == nil
}

func convertFallback(q Quantity) (float64, bool) {
	for _, u := range fallbackChain {
		if v, err := Convert(q, u); err == nil {
			return v, true
		}
	}
	return q.Magnitude, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// MillivoltsToVolts re-expresses a millivolt reading as volts with one
// decimal place, never negative.
func MillivoltsToVolts(mv int64) float64 {
	v := math.RoundToEven(float64(mv)/100) / 10
	if v < 0 {
		return 0
	}
	return v
}
