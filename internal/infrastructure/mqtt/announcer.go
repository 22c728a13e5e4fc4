package mqtt

import (
	"encoding/json"
	"time"
)

// eventPublisher is the slice of Client the announcer needs.
type eventPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Announcer publishes bootstrap run events as JSON. All methods are
// fire-and-forget: a broker outage must never stall the bootstrap, so
// publish failures are logged and dropped.
type Announcer struct {
	publisher eventPublisher
	topics    Topics
	runID     string
	qos       byte
	logger    Logger
}

// NewAnnouncer creates an announcer publishing through the given client.
func NewAnnouncer(client *Client, topics Topics, runID string, qos byte) *Announcer {
	return &Announcer{
		publisher: client,
		topics:    topics,
		runID:     runID,
		qos:       qos,
	}
}

// SetLogger sets a logger for dropped-event warnings.
func (a *Announcer) SetLogger(logger Logger) {
	a.logger = logger
}

// phaseEvent is the payload for run phase transitions.
type phaseEvent struct {
	RunID     string    `json:"run_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// serviceEvent is the payload for per-service up/down events.
type serviceEvent struct {
	RunID     string    `json:"run_id"`
	Service   string    `json:"service"`
	Event     string    `json:"event"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseChanged announces a bootstrap phase transition, retained so late
// subscribers see the current phase.
func (a *Announcer) PhaseChanged(from, to string) {
	a.publish(a.topics.RunPhase(), phaseEvent{
		RunID:     a.runID,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}, true)
}

// ServiceUp announces a successful service launch.
func (a *Announcer) ServiceUp(service string, pid int) {
	a.publish(a.topics.Service(service), serviceEvent{
		RunID:     a.runID,
		Service:   service,
		Event:     "up",
		PID:       pid,
		Timestamp: time.Now().UTC(),
	}, false)
}

// ServiceDown announces a service exit. exitCode -1 means terminated by
// stationd during teardown.
func (a *Announcer) ServiceDown(service string, exitCode int) {
	a.publish(a.topics.Service(service), serviceEvent{
		RunID:     a.runID,
		Service:   service,
		Event:     "down",
		ExitCode:  &exitCode,
		Timestamp: time.Now().UTC(),
	}, false)
}

func (a *Announcer) publish(topic string, event any, retained bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		if a.logger != nil {
			a.logger.Error("cannot encode run event", "topic", topic, "error", err)
		}
		return
	}

	if err := a.publisher.Publish(topic, payload, a.qos, retained); err != nil {
		if a.logger != nil {
			a.logger.Warn("run event dropped", "topic", topic, "error", err)
		}
	}
}
