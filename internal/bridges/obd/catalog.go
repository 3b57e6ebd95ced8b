package obd

import (
	"fmt"
	"strconv"
	"strings"
)

// ModeCurrentData is the OBD-II service for live sensor data.
const ModeCurrentData byte = 0x01

// Decoder turns a response payload into a quantity. For mode 01 commands the
// payload is the data bytes after the mode/PID header; for adapter commands
// it is the raw response text.
type Decoder func(data []byte) (Quantity, error)

// Command describes one request the adapter understands.
type Command struct {
	// Name is the catalog symbol, e.g. "SPEED".
	Name string

	// Mode and PID address a vehicle parameter. Both are zero for adapter
	// commands.
	Mode byte
	PID  byte

	// AT holds the adapter command for commands answered by the ELM327
	// itself, e.g. "ATRV".
	AT string

	// Bytes is the number of data bytes the decoder expects.
	Bytes int

	Decode Decoder
}

// IsAdapter reports whether the adapter answers the command without
// touching the vehicle bus.
func (c Command) IsAdapter() bool {
	return c.AT != ""
}

// Request returns the text sent to the adapter, without the terminator.
func (c Command) Request() string {
	if c.IsAdapter() {
		return c.AT
	}
	return fmt.Sprintf("%02X%02X", c.Mode, c.PID)
}

func (c Command) String() string {
	return c.Name + "(" + c.Request() + ")"
}

// Catalog is the set of commands the runtime can issue, keyed by symbol.
type Catalog interface {
	Lookup(symbol string) (Command, bool)
}

// MapCatalog is a Catalog backed by a map.
type MapCatalog map[string]Command

// Lookup returns the command registered under symbol.
func (m MapCatalog) Lookup(symbol string) (Command, bool) {
	c, ok := m[symbol]
	return c, ok
}

// ============================================================================
// Standard command table
// ============================================================================

// DefaultCatalog returns the ELM327 driver's command table.
func DefaultCatalog() MapCatalog {
	cmds := []Command{
		pid("ENGINE_LOAD", 0x04, 1, UnitPercent, percentA),
		pid("COOLANT_TEMP", 0x05, 1, UnitCelsius, temperatureA),
		pid("SHORT_FUEL_TRIM_1", 0x06, 1, UnitPercent, fuelTrimA),
		pid("LONG_FUEL_TRIM_1", 0x07, 1, UnitPercent, fuelTrimA),
		pid("RPM", 0x0C, 2, UnitRPM, rpmAB),
		pid("SPEED", 0x0D, 1, UnitKPH, speedA),
		pid("INTAKE_TEMP", 0x0F, 1, UnitCelsius, temperatureA),
		pid("MAF", 0x10, 2, UnitGPS, mafAB),
		pid("THROTTLE_POS", 0x11, 1, UnitPercent, percentA),
		pid("FUEL_LEVEL", 0x2F, 1, UnitPercent, percentA),
		pid("CONTROL_MODULE_VOLTAGE", 0x42, 2, UnitVolt, moduleVoltageAB),
		pid("AMBIANT_AIR_TEMP", 0x46, 1, UnitCelsius, temperatureA),
		pid("OIL_TEMP", 0x5C, 1, UnitCelsius, temperatureA),
		pid("FUEL_RATE", 0x5E, 2, UnitLPH, fuelRateAB),
		{Name: "ELM_VOLTAGE", AT: "ATRV", Decode: decodeAdapterVoltage},
	}

	m := make(MapCatalog, len(cmds))
	for _, c := range cmds {
		m[c.Name] = c
	}
	return m
}

func pid(name string, code byte, n int, unit Unit, formula func([]byte) float64) Command {
	return Command{
		Name:   name,
		Mode:   ModeCurrentData,
		PID:    code,
		Bytes:  n,
		Decode: fixedWidth(n, unit, formula),
	}
}

// fixedWidth wraps a byte formula so that short payloads fail to decode.
func fixedWidth(n int, unit Unit, formula func([]byte) float64) Decoder {
	return func(data []byte) (Quantity, error) {
		if len(data) < n {
			return Quantity{}, fmt.Errorf("%w: want %d bytes, got %d", ErrDecode, n, len(data))
		}
		return Quantity{Magnitude: formula(data[:n]), Unit: unit}, nil
	}
}

// Byte formulas from SAE J1979.
func percentA(d []byte) float64        { return float64(d[0]) * 100 / 255 }
func temperatureA(d []byte) float64    { return float64(d[0]) - 40 }
func fuelTrimA(d []byte) float64       { return (float64(d[0]) - 128) * 100 / 128 }
func rpmAB(d []byte) float64           { return float64(uint16(d[0])<<8|uint16(d[1])) / 4 }
func speedA(d []byte) float64          { return float64(d[0]) }
func mafAB(d []byte) float64           { return float64(uint16(d[0])<<8|uint16(d[1])) / 100 }
func moduleVoltageAB(d []byte) float64 { return float64(uint16(d[0])<<8|uint16(d[1])) / 1000 }
func fuelRateAB(d []byte) float64      { return float64(uint16(d[0])<<8|uint16(d[1])) / 20 }

// decodeAdapterVoltage parses the ATRV answer, e.g. "12.3V".
func decodeAdapterVoltage(data []byte) (Quantity, error) {
	s := strings.TrimSpace(string(data))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "V"), "v")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: voltage %q", ErrDecode, string(data))
	}
	return Quantity{Magnitude: v, Unit: UnitVolt}, nil
}
