package repository

import (
	"context"
	"time"

	"github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/domain/connect"
)

// ProviderRepository exposes the music-provider catalog.
type ProviderRepository interface {
	Get(ctx context.Context, providerID string) (connect.Provider, error)
	List(ctx context.Context) ([]connect.Provider, error)
	Upsert(ctx context.Context, provider connect.Provider) error
}

// SessionRepository persists authorization sessions. Sessions are never
// deleted; terminal transitions only ever happen out of pending.
type SessionRepository interface {
	Create(ctx context.Context, session connect.Session) error
	Get(ctx context.Context, sessionID string) (connect.Session, error)
	FindPendingByState(ctx context.Context, state string) (connect.Session, error)
	FindPendingByUserProvider(ctx context.Context, userID, providerID string) (connect.Session, error)
	// Transition moves a pending session to a terminal status, writing the
	// connection link and error fields. Returns ErrSessionTerminal if the
	// row is no longer pending.
	Transition(ctx context.Context, session connect.Session) error
	// ExpireStale marks pending sessions past expiry as expired and
	// returns how many rows changed.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// ConnectionRepository persists provider credentials with conditional
// updates keyed on updated_at.
type ConnectionRepository interface {
	Create(ctx context.Context, conn connect.Connection) error
	Get(ctx context.Context, connectionID string) (connect.Connection, error)
	FindActiveByUserProvider(ctx context.Context, userID, providerID string) (connect.Connection, error)
	// Update writes the connection only if the stored updated_at still
	// equals expectedUpdatedAt, otherwise ErrVersionConflict.
	Update(ctx context.Context, conn connect.Connection, expectedUpdatedAt time.Time) error
}

// SessionIndex is the fast state-to-session lookup used on callback. The
// durable store stays authoritative; last writer for a state wins.
type SessionIndex interface {
	Put(ctx context.Context, state, sessionID string, ttl time.Duration) error
	Lookup(ctx context.Context, state string) (string, error)
	Delete(ctx context.Context, state string) error
}

// AuditRepository persists the append-only security audit trail and alerts.
type AuditRepository interface {
	InsertEvent(ctx context.Context, event audit.Event) error
	// CountEventsSince counts events of one type for a user created at or
	// after the given time.
	CountEventsSince(ctx context.Context, userID string, eventType audit.EventType, since time.Time) (int, error)
	// ListEventsSince returns a user's events in the trailing window,
	// oldest first.
	ListEventsSince(ctx context.Context, userID string, since time.Time) ([]audit.Event, error)
	ListEventsInRange(ctx context.Context, from, to time.Time) ([]audit.Event, error)
	// RecentTokenFingerprints returns the newest token fingerprints
	// recorded for a user and provider, most recent first.
	RecentTokenFingerprints(ctx context.Context, userID, providerID string, limit int) ([]string, error)
	InsertAlert(ctx context.Context, alert audit.Alert) error
	AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error
	ResolveAlert(ctx context.Context, alertID string, at time.Time) error
}
