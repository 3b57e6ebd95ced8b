package mqtt

import (
	"strings"
)

// Topics builds topic names under a common root.
//
// The root is the parent of the configured data topic, so the default data
// topic "bilprojekt72439/obd/data" yields:
//
//	Data()            "bilprojekt72439/obd/data"
//	Status("pub-1")   "bilprojekt72439/obd/status/pub-1"
//	All()             "bilprojekt72439/obd/#"
type Topics struct {
	Root     string
	DataLeaf string
}

// statusSegment separates client presence messages from telemetry.
const statusSegment = "status"

// TopicsFor derives a Topics value from a full data topic.
func TopicsFor(dataTopic string) Topics {
	dataTopic = strings.Trim(dataTopic, "/")
	i := strings.LastIndex(dataTopic, "/")
	if i < 0 {
		return Topics{Root: dataTopic, DataLeaf: ""}
	}
	return Topics{Root: dataTopic[:i], DataLeaf: dataTopic[i+1:]}
}

// Data returns the telemetry data topic.
func (t Topics) Data() string {
	if t.DataLeaf == "" {
		return t.Root
	}
	return t.Root + "/" + t.DataLeaf
}

// Status returns the retained presence topic for a client.
func (t Topics) Status(clientID string) string {
	return t.Root + "/" + statusSegment + "/" + clientID
}

// All returns a multi-level wildcard covering every topic under the root.
func (t Topics) All() string {
	return t.Root + "/#"
}

// IsStatus reports whether topic is a presence message under this root.
// Subscribers on All() use it to skip presence traffic.
func (t Topics) IsStatus(topic string) bool {
	return strings.HasPrefix(topic, t.Root+"/"+statusSegment+"/")
}

// ValidateTopic checks a concrete publish topic: non-empty and free of wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopic
	}
	return nil
}
