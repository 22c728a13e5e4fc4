package mqtt

import "fmt"

// Topic structure:
//
//	stationd/{station}/status          - retained online/offline (LWT target)
//	stationd/{station}/run/phase       - bootstrap phase transitions
//	stationd/{station}/service/{name}  - per-service up/down events
const topicPrefix = "stationd"

// Topics builds the station's topic names.
type Topics struct {
	// Station is the station identifier segment. Default: "station"
	Station string
}

func (t Topics) station() string {
	if t.Station == "" {
		return "station"
	}
	return t.Station
}

// Status returns the retained online/offline status topic.
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s/status", topicPrefix, t.station())
}

// RunPhase returns the bootstrap phase transition topic.
func (t Topics) RunPhase() string {
	return fmt.Sprintf("%s/%s/run/phase", topicPrefix, t.station())
}

// Service returns the event topic for one managed service.
func (t Topics) Service(name string) string {
	return fmt.Sprintf("%s/%s/service/%s", topicPrefix, t.station(), name)
}
