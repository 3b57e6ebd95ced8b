package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// lineStore is a minimal InfluxDB stand-in: it keeps written line protocol
// and answers every query with all stored rows as annotated CSV.
type lineStore struct {
	mu     sync.Mutex
	writes []string
}

func (s *lineStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.writes = append(s.writes, string(body))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/query":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, s.csv())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// csv renders lines of the form `obd,key=K v=Ni TS` as query rows.
func (s *lineStore) csv() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("#datatype,string,long,dateTime:RFC3339,long,string\n")
	b.WriteString("#group,false,false,false,false,true\n")
	b.WriteString("#default,_result,,,,\n")
	b.WriteString(",result,table,_time,_value,key\n")
	for _, body := range s.writes {
		for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
			parts := strings.Fields(line)
			if len(parts) != 3 {
				continue
			}
			key := strings.TrimPrefix(parts[0], "obd,key=")
			value := strings.TrimSuffix(strings.TrimPrefix(parts[1], "v="), "i")
			ns, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				continue
			}
			ts := time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
			fmt.Fprintf(&b, ",,0,%s,%s,%s\n", ts, value, key)
		}
	}
	b.WriteString("\n")
	return b.String()
}

// TestPipeline_RecordRoundTrip follows one published record through decode,
// batching and the InfluxDB client down to the wire, then reads it back with
// a range query covering its timestamp.
func TestPipeline_RecordRoundTrip(t *testing.T) {
	store := &lineStore{}
	srv := httptest.NewServer(store)
	defer srv.Close()

	client, err := influxdb.New(config.InfluxDBConfig{
		URL:    srv.URL,
		Token:  "test-token",
		Org:    "obd",
		Bucket: "obd",
	})
	if err != nil {
		t.Fatalf("influxdb.New() error = %v", err)
	}
	defer client.Close()

	writer := NewBatchWriter(client, BatchConfig{FlushInterval: time.Hour}, nil)
	defer writer.Close() //nolint:errcheck // Test cleanup
	consumer := NewConsumer(writer, nil)

	rec := telemetry.NewRecord(time.Unix(1000, 0))
	rec.Set(telemetry.KeyEngineTemp, 95)
	rec.Set(telemetry.KeyAdapterVoltage, 12.3)
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if n := consumer.Handle(mqtt.Message{Topic: "bilprojekt72439/obd/data", Payload: payload}); n != 2 {
		t.Fatalf("Handle() = %d points, want 2", n)
	}
	if err := writer.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	store.mu.Lock()
	writes := append([]string(nil), store.writes...)
	store.mu.Unlock()
	if len(writes) != 1 {
		t.Fatalf("write requests = %d, want 1", len(writes))
	}
	body := writes[0]
	for _, want := range []string{
		"obd,key=engine_temp_c v=95i 1000000000000",
		// Voltage carries one decimal on the wire and is truncated on ingest.
		"obd,key=adapter_voltage_v v=12i 1000000000000",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("write body missing %q:\n%s", want, body)
		}
	}

	got, err := client.Series(context.Background(), []string{telemetry.KeyEngineTemp},
		time.Unix(999, 0), time.Unix(1001, 0))
	if err != nil {
		t.Fatalf("Series() error = %v", err)
	}
	temp := got[telemetry.KeyEngineTemp]
	if len(temp) != 1 || temp[0] != (telemetry.Sample{TS: 1000000, V: 95}) {
		t.Errorf("Series()[%s] = %+v, want [{TS:1000000 V:95}]", telemetry.KeyEngineTemp, temp)
	}
}
