package repository

import (
	model "github.com/testofthings/reconciler-go/lib/model"
)

// Repository stores reconciliation results: the model entities with their
// statuses and verdicts, recorded property claims and an evidence event log.
type Repository interface {
	// SaveModel persists the whole system model, replacing any earlier
	// snapshot.
	SaveModel(system *model.System) error

	// LogEvent appends one evidence event to the log.
	LogEvent(event *EventRecord) error

	// Hosts returns the persisted host rows with their services.
	Hosts() ([]*HostRecord, error)

	// Connections returns the persisted connection rows.
	Connections() ([]*ConnectionRecord, error)

	// Properties returns all recorded property claims for an entity.
	Properties(entity string) ([]*PropertyRecord, error)

	// Events returns the evidence event log in insertion order.
	Events() ([]*EventRecord, error)

	Close() error
}

// HostRecord is one persisted host with its services.
type HostRecord struct {
	ID        int64
	Name      string
	HostType  string
	Status    string
	Verdict   string
	Addresses []string
	UsesData  []string
	Services  []*ServiceRecord
}

// ServiceRecord is one persisted service.
type ServiceRecord struct {
	ID        int64
	HostID    int64
	Name      string
	Transport string
	Port      int
	Status    string
	Verdict   string
}

// ConnectionRecord is one persisted connection.
type ConnectionRecord struct {
	ID        int64
	Source    string
	Target    string
	Status    string
	Verdict   string
	Encrypted bool
	SeenBy    []string
}

// PropertyRecord is one recorded property claim.
type PropertyRecord struct {
	ID          int64
	Entity      string
	Key         string
	Verdict     string
	Explanation string
	Source      string
	Authority   string
}

// EventRecord is one evidence event log entry.
type EventRecord struct {
	ID        int64
	Source    string
	Kind      string
	Detail    string
	Timestamp string
}
