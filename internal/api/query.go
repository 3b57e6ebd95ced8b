package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// Look-back bounds for /series, in hours.
const (
	minQueryHours     = 1
	maxQueryHours     = 168
	defaultQueryHours = 24
)

// handleSeries lists the series keys written within the last N hours.
//
//	GET /api/v1/series?hours=24  ->  ["engine_temp_c", "speed_kmh"]
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	hours := s.cfg.DefaultQueryHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQueryHours || n > maxQueryHours {
			writeBadRequest(w, "hours must be an integer between 1 and 168")
			return
		}
		hours = n
	}

	keys, err := s.store.Keys(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.logger.Error("listing series failed", "hours", hours, "error", err)
		writeUnavailable(w, "failed to query series")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleData returns the samples of the requested keys in [start_ms, end_ms).
//
//	GET /api/v1/data?keys=rpm&keys=speed_kmh&start_ms=...&end_ms=...
//	  ->  {"rpm": [{"ts": 1700000000000, "v": 800}], "speed_kmh": []}
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, ok := parseEpochMillis(q.Get("start_ms"))
	if !ok {
		writeBadRequest(w, "start_ms is required and must be an integer (epoch ms)")
		return
	}
	end, ok := parseEpochMillis(q.Get("end_ms"))
	if !ok {
		writeBadRequest(w, "end_ms is required and must be an integer (epoch ms)")
		return
	}
	if !end.After(start) {
		writeBadRequest(w, "end_ms must be after start_ms")
		return
	}

	keys := requestedKeys(q["keys"])
	if len(keys) == 0 {
		writeJSON(w, http.StatusOK, map[string][]telemetry.Sample{})
		return
	}
	for _, k := range keys {
		if err := influxdb.ValidateKey(k); err != nil {
			writeBadRequest(w, "invalid key: "+k)
			return
		}
	}

	series, err := s.store.Series(r.Context(), keys, start, end)
	if err != nil {
		s.logger.Error("fetching series failed", "keys", keys, "error", err)
		writeUnavailable(w, "failed to query data")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// requestedKeys accepts both repeated (?keys=a&keys=b) and comma-separated
// (?keys=a,b) forms and removes blanks and duplicates.
func requestedKeys(raw []string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, v := range raw {
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

func parseEpochMillis(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
