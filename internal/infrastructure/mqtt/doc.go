// Package mqtt announces stationd run events to an MQTT broker.
//
// The client is publish-only: phase transitions, service up/down events, and
// a retained station status topic with a Last Will and Testament so
// monitoring can distinguish a crashed stationd from a stopped one. Event
// publishing is strictly fire-and-forget; a broker outage never blocks or
// fails the bootstrap.
//
// Topic layout:
//
//	stationd/{station}/status          retained online/offline
//	stationd/{station}/run/phase       retained current phase
//	stationd/{station}/service/{name}  service lifecycle events
package mqtt
