// Package loader materializes evidence events from capture files, flow logs
// and claim files, and pushes them into the reconciliation engine.
package loader

import (
	model "github.com/testofthings/reconciler-go/lib/model"
)

// EventSink consumes evidence events. The engine's inspector implements it.
type EventSink interface {
	Connection(flow model.Flow) *model.Connection
	Name(event model.NameEvent) *model.Host
	PropertyUpdate(event model.PropertyEvent) (model.Endpoint, error)
	ServiceScan(event model.ServiceScanEvent) *model.Service
	HostScan(event model.HostScanEvent) *model.Host
}

// Stats counts what a loader pushed into the sink.
type Stats struct {
	Flows      int
	Names      int
	Properties int
	Scans      int
	Skipped    int
}
