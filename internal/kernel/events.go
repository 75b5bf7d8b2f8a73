// Package kernel provides the process-wide broadcast bus, supervised
// restart loop, health/readiness tracking, and amnesia posture that every
// other package in this module is built on.
package kernel

import "time"

// EventKind discriminates the tagged union carried on the Bus.
type EventKind string

const (
	EventHealth         EventKind = "health"
	EventConfigUpdated  EventKind = "config_updated"
	EventServiceCrashed EventKind = "service_crashed"
	EventShutdown       EventKind = "shutdown"
)

// KernelEvent is the single broadcast payload type carried on the Bus.
// Only one of the fields matching Kind is meaningful; the others are zero.
type KernelEvent struct {
	Kind      EventKind
	At        time.Time
	Service   string // EventHealth, EventServiceCrashed
	Healthy   bool   // EventHealth
	Reason    string // EventServiceCrashed, EventShutdown
	Restarts  uint64 // EventServiceCrashed
}

func HealthEvent(service string, healthy bool) KernelEvent {
	return KernelEvent{Kind: EventHealth, Service: service, Healthy: healthy}
}

func ConfigUpdatedEvent() KernelEvent {
	return KernelEvent{Kind: EventConfigUpdated}
}

func ServiceCrashedEvent(service, reason string, restarts uint64) KernelEvent {
	return KernelEvent{Kind: EventServiceCrashed, Service: service, Reason: reason, Restarts: restarts}
}

func ShutdownEvent(reason string) KernelEvent {
	return KernelEvent{Kind: EventShutdown, Reason: reason}
}
