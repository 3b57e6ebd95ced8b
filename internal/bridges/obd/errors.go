package obd

import "errors"

// Domain errors for the OBD bridge package.
var (
	// ErrNoData is returned when the adapter answered but carried no value,
	// for example "NO DATA" or a bus error while the ignition is off.
	ErrNoData = errors.New("obd: no data")

	// ErrNoResponse is returned when the adapter did not produce a prompt
	// within the query timeout.
	ErrNoResponse = errors.New("obd: no response from adapter")

	// ErrUnsupported is returned when the vehicle reported that it does not
	// support the requested PID.
	ErrUnsupported = errors.New("obd: pid not supported by vehicle")

	// ErrIO is returned when reading from or writing to the port fails.
	// The link is unusable afterwards.
	ErrIO = errors.New("obd: adapter i/o error")

	// ErrConnectionFailed is returned when the adapter could not be opened
	// or did not complete its initialisation sequence.
	ErrConnectionFailed = errors.New("obd: adapter connection failed")

	// ErrClosed is returned by a link after Close.
	ErrClosed = errors.New("obd: link closed")

	// ErrIncompatibleUnit is returned when converting between units of
	// different dimensions.
	ErrIncompatibleUnit = errors.New("obd: incompatible unit")

	// ErrUnknownUnit is returned for a unit tag missing from the unit table.
	ErrUnknownUnit = errors.New("obd: unknown unit")

	// ErrDecode is returned when a response cannot be decoded into a value.
	ErrDecode = errors.New("obd: decode failed")

	// ErrUnknownField is returned when configuration names a field the
	// field table does not define.
	ErrUnknownField = errors.New("obd: unknown field")
)

// transient reports whether err leaves the link usable.
func transient(err error) bool {
	return errors.Is(err, ErrNoData) ||
		errors.Is(err, ErrNoResponse) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrDecode)
}
