package influxdb

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// validKey restricts series keys that may be interpolated into Flux.
var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateKey reports whether key is safe to use as a series filter.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Keys returns the distinct series keys written within the last window,
// sorted alphabetically.
//
// Parameters:
//   - ctx: Context for cancellation
//   - window: Look-back period; must be positive
//
// Returns:
//   - []string: Sorted keys (empty, not nil, when there is no data)
//   - error: ErrNotConnected or ErrQueryFailed
func (c *Client) Keys(ctx context.Context, window time.Duration) ([]string, error) {
	if !c.isOpen() {
		return nil, ErrNotConnected
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrQueryFailed)
	}

	result, err := c.queryAPI.Query(ctx, buildKeysQuery(c.cfg.Bucket, window))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close()

	seen := make(map[string]struct{})
	for result.Next() {
		rec := result.Record()
		// tagValues reports the tag in _value; older plans expose the tag column.
		if s, ok := rec.Value().(string); ok && s != "" {
			seen[s] = struct{}{}
		} else if s, ok := rec.ValueByKey(tagKey).(string); ok && s != "" {
			seen[s] = struct{}{}
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Series fetches samples for the given keys in [start, end).
//
// Every requested key is present in the result, with an empty slice when it
// has no data in the window. Samples are ordered by time.
//
// Parameters:
//   - ctx: Context for cancellation
//   - keys: Series keys; each must pass ValidateKey
//   - start, end: Half-open time window; end must be after start
//
// Returns:
//   - map[string][]telemetry.Sample: Samples per key
//   - error: ErrInvalidKey, ErrNotConnected or ErrQueryFailed
func (c *Client) Series(ctx context.Context, keys []string, start, end time.Time) (map[string][]telemetry.Sample, error) {
	out := make(map[string][]telemetry.Sample, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
		out[k] = []telemetry.Sample{}
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end must be after start", ErrQueryFailed)
	}
	if !c.isOpen() {
		return nil, ErrNotConnected
	}

	result, err := c.queryAPI.Query(ctx, buildSeriesQuery(c.cfg.Bucket, keys, start, end))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close()

	for result.Next() {
		rec := result.Record()
		k, _ := rec.ValueByKey(tagKey).(string)
		samples, wanted := out[k]
		if !wanted {
			continue
		}
		v, ok := toInt64(rec.Value())
		if !ok {
			continue
		}
		out[k] = append(samples, telemetry.Sample{TS: rec.Time().UnixMilli(), V: v})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	for k := range out {
		sort.SliceStable(out[k], func(i, j int) bool { return out[k][i].TS < out[k][j].TS })
	}
	return out, nil
}

// toInt64 accepts the numeric types the Flux CSV decoder produces.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true // #nosec G115 -- values originate as int64 writes
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// ============================================================================
// Flux builders
// ============================================================================

func buildKeysQuery(bucket string, window time.Duration) string {
	return fmt.Sprintf(`import "influxdata/influxdb/schema"

schema.tagValues(
    bucket: %s,
    tag: %q,
    predicate: (r) => r._measurement == %q,
    start: -%s,
)`, fluxString(bucket), tagKey, telemetry.Measurement, fluxDuration(window))
}

func buildSeriesQuery(bucket string, keys []string, start, end time.Time) string {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)

	clauses := make([]string, 0, len(uniq))
	for _, k := range uniq {
		clauses = append(clauses, fmt.Sprintf("r.%s == %s", tagKey, fluxString(k)))
	}

	return fmt.Sprintf(`from(bucket: %s)
    |> range(start: %s, stop: %s)
    |> filter(fn: (r) => r._measurement == %q and r._field == %q and (%s))
    |> keep(columns: ["_time", "_value", %q])
    |> sort(columns: [%q, "_time"])`,
		fluxString(bucket),
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
		telemetry.Measurement, fieldKey,
		strings.Join(clauses, " or "),
		tagKey, tagKey,
	)
}

// fluxString quotes s as a Flux string literal.
func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)
	return `"` + r.Replace(s) + `"`
}

// fluxDuration renders d in whole seconds, the coarsest unit Flux accepts
// without rounding surprises.
func fluxDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}
