// Package connector pulls change events from upstream APIs.
//
// A connector is built per poll job from a Connection and thrown away afterwards.
// Sync is best effort: each repository and each resource class inside it is
// fetched independently, and one failing does not stop the others.
package connector

import (
	"context"
	"log/slog"

	"painchain.app/ingest/internal/ingest"
)

type Connector interface {
	// TestConnection reports whether the configured credentials work.
	TestConnection(ctx context.Context) bool
	// Sync fetches recent items and stores the new ones under connectionID.
	Sync(ctx context.Context, connectionID int64) SyncResult
}

// SyncResult is false only when nothing could be fetched at all, such as rejected
// credentials or an unreachable API. Per-repository failures are logged and counted.
type SyncResult struct {
	Success      bool   `json:"success"`
	EventsStored int    `json:"events_stored"`
	Failures     int    `json:"failures,omitempty"`
	Error        string `json:"error,omitempty"`
}

// EventLookup lets connectors skip detail requests for items already stored.
type EventLookup interface {
	ExistsByExternalID(ctx context.Context, connectionID int64, externalID string) (bool, error)
}

// Deps are captured by the factories at startup.
type Deps struct {
	Engine  ingest.Engine
	Events  EventLookup
	Clients *ClientFactory
	Logger  *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
