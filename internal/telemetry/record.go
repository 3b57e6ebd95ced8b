// Package telemetry holds the data model shared by the acquisition and
// ingestion sides: the record published once per polling cycle and the
// time-series point it becomes in storage.
package telemetry

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Field keys carried on the transport. Keys are stable across releases;
// storage tags and dashboards depend on them.
const (
	KeyTimestamp      = "timestamp"
	KeySpeed          = "speed_kmh"
	KeyThrottle       = "throttle_percent"
	KeyEngineTemp     = "engine_temp_c"
	KeyAirTemp        = "air_temp_c"
	KeyShortFuelTrim  = "short_term_fuel_trim_percent"
	KeyLongFuelTrim   = "long_term_fuel_trim_percent"
	KeyAdapterVoltage = "adapter_voltage_v"
	KeyRPM            = "rpm"
	KeyOilTemp        = "oil_temp_c"
)

// Measurement is the storage measurement every point is written under.
const Measurement = "obd"

// Record is one acquisition cycle's worth of readings.
//
// Timestamp is always present. Fields holds only readings that succeeded;
// values are integral except adapter_voltage_v, which has one decimal place.
// A Record is not modified after it is handed to a publisher.
type Record struct {
	Timestamp int64
	Fields    map[string]float64
}

// NewRecord creates an empty record stamped with t (whole seconds).
func NewRecord(t time.Time) Record {
	return Record{
		Timestamp: t.Unix(),
		Fields:    make(map[string]float64),
	}
}

// Set stores a field value.
func (r Record) Set(key string, v float64) {
	r.Fields[key] = v
}

// Empty reports whether the record has nothing besides its timestamp.
func (r Record) Empty() bool {
	return len(r.Fields) == 0
}

// Keys returns the field keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the record as a flat object with "timestamp" first and
// the remaining fields in key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":`)
	buf.WriteString(strconv.FormatInt(r.Timestamp, 10))
	for _, k := range r.Keys() {
		if k == KeyTimestamp {
			continue
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(r.Fields[k], 'f', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Point is a single time-series sample: one field of one record.
type Point struct {
	Measurement string
	Key         string
	Value       int64
	Time        time.Time
}

// NewPoint builds a point under the standard measurement.
func NewPoint(key string, value int64, t time.Time) Point {
	return Point{
		Measurement: Measurement,
		Key:         key,
		Value:       value,
		Time:        t,
	}
}

// Sample is one stored value as returned by range queries.
type Sample struct {
	TS int64 `json:"ts"` // epoch milliseconds
	V  int64 `json:"v"`
}
