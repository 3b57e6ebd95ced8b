package obd

import "sync"

// Logical sensor names. Each maps to an ordered list of catalog symbols.
const (
	NameSpeed       = "SPEED"
	NameThrottle    = "THROTTLE"
	NameCoolantTemp = "COOLANT_TEMP"
	NameIntakeTemp  = "INTAKE_TEMP"
	NameShortTrim   = "STFT"
	NameLongTrim    = "LTFT"
	NameAdapterVolt = "ADAPTER_VOLT"
	NameRPM         = "RPM"
	NameOilTemp     = "OIL_TEMP"
)

// DefaultCandidates lists, per logical name, the symbols different driver
// versions use for the same parameter. Earlier entries win.
var DefaultCandidates = map[string][]string{
	NameSpeed:       {"SPEED"},
	NameThrottle:    {"THROTTLE_POS"},
	NameCoolantTemp: {"COOLANT_TEMP", "ENGINE_COOLANT_TEMP"},
	NameIntakeTemp:  {"INTAKE_TEMP", "INTAKE_AIR_TEMP", "AIR_TEMP", "AMBIENT_AIR_TEMP", "AMBIANT_AIR_TEMP"},
	NameShortTrim:   {"STFT_BANK_1", "SHORT_FUEL_TRIM_1", "SHORT_FUEL_TRIM_BANK_1"},
	NameLongTrim:    {"LTFT_BANK_1", "LONG_FUEL_TRIM_1", "LONG_FUEL_TRIM_BANK_1"},
	NameAdapterVolt: {"ELM_VOLTAGE", "ELM_VOLT"},
	NameRPM:         {"RPM", "ENGINE_RPM"},
	NameOilTemp:     {"OIL_TEMP", "ENGINE_OIL_TEMP"},
}

// Binding is the result of resolving a logical name.
type Binding struct {
	Name     string
	Command  Command
	Resolved bool
}

// Resolver maps logical names to catalog commands.
//
// Resolved bindings are cached until Reset. Names that did not resolve are
// looked up again on every Bind call.
//
// Thread Safety: All methods are safe for concurrent use.
type Resolver struct {
	catalog    Catalog
	candidates map[string][]string

	mu    sync.Mutex
	cache map[string]Binding
}

// NewResolver creates a resolver over catalog. A nil candidates map selects
// DefaultCandidates.
func NewResolver(catalog Catalog, candidates map[string][]string) *Resolver {
	if candidates == nil {
		candidates = DefaultCandidates
	}
	return &Resolver{
		catalog:    catalog,
		candidates: candidates,
		cache:      make(map[string]Binding),
	}
}

// Resolve returns the command for the first candidate present in the
// catalog. It does not touch the cache.
func (r *Resolver) Resolve(name string) (Command, bool) {
	for _, sym := range r.candidates[name] {
		if cmd, ok := r.catalog.Lookup(sym); ok {
			return cmd, true
		}
	}
	return Command{}, false
}

// Bind resolves name, serving and filling the cache.
func (r *Resolver) Bind(name string) Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.cache[name]; ok {
		return b
	}
	cmd, ok := r.Resolve(name)
	b := Binding{Name: name, Command: cmd, Resolved: ok}
	if ok {
		r.cache[name] = b
	}
	return b
}

// Reset drops every cached binding.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]Binding)
	r.mu.Unlock()
}
