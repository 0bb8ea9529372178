package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tuneway/tuneway-connect/internal/domain/audit"
)

var _ AuditRepository = (*PostgresAuditRepo)(nil)

// PostgresAuditRepo implements AuditRepository. Events are append-only;
// alerts are mutable only through acknowledge/resolve.
type PostgresAuditRepo struct {
	db DB
}

func NewPostgresAuditRepo(db DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

const eventColumns = `id, user_id, event_type, risk_level, description, metadata,
resolved, created_at, expires_at`

func (r *PostgresAuditRepo) InsertEvent(ctx context.Context, event audit.Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}

	const query = `
INSERT INTO audit_events (
	id, user_id, event_type, risk_level, description, metadata, resolved,
	created_at, expires_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = r.db.Exec(ctx, query,
		event.ID,
		event.UserID,
		string(event.Type),
		int(event.Risk),
		event.Description,
		metadata,
		event.Resolved,
		event.CreatedAt,
		event.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepo) CountEventsSince(ctx context.Context, userID string, eventType audit.EventType, since time.Time) (int, error) {
	const query = `
SELECT COUNT(*) FROM audit_events
WHERE user_id = $1 AND event_type = $2 AND created_at >= $3`

	var count int
	if err := r.db.QueryRow(ctx, query, userID, string(eventType), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

func (r *PostgresAuditRepo) ListEventsSince(ctx context.Context, userID string, since time.Time) ([]audit.Event, error) {
	query := fmt.Sprintf(`
SELECT %s FROM audit_events
WHERE user_id = $1 AND created_at >= $2
ORDER BY created_at ASC`, eventColumns)

	rows, err := r.db.Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *PostgresAuditRepo) ListEventsInRange(ctx context.Context, from, to time.Time) ([]audit.Event, error) {
	query := fmt.Sprintf(`
SELECT %s FROM audit_events
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at ASC`, eventColumns)

	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *PostgresAuditRepo) RecentTokenFingerprints(ctx context.Context, userID, providerID string, limit int) ([]string, error) {
	const query = `
SELECT metadata->>'token_fingerprint' FROM audit_events
WHERE user_id = $1
	AND metadata->>'provider' = $2
	AND metadata->>'token_fingerprint' <> ''
ORDER BY created_at DESC
LIMIT $3`

	rows, err := r.db.Query(ctx, query, userID, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list token fingerprints: %w", err)
	}
	defer rows.Close()

	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, rows.Err()
}

func (r *PostgresAuditRepo) InsertAlert(ctx context.Context, alert audit.Alert) error {
	const query = `
INSERT INTO security_alerts (
	id, event_id, user_id, alert_level, acknowledged, acknowledged_at,
	resolved_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := r.db.Exec(ctx, query,
		alert.ID,
		alert.EventID,
		alert.UserID,
		int(alert.Level),
		alert.Acknowledged,
		nullableTime(alert.AcknowledgedAt),
		nullableTime(alert.ResolvedAt),
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepo) AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error {
	const query = `
UPDATE security_alerts SET acknowledged = TRUE, acknowledged_at = $2 WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, alertID, at); err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepo) ResolveAlert(ctx context.Context, alertID string, at time.Time) error {
	const query = `
UPDATE security_alerts SET resolved_at = $2 WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, alertID, at); err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	return nil
}

func scanEvents(rows pgx.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event        audit.Event
			eventType    string
			risk         int
			metadataJSON []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.UserID,
			&eventType,
			&risk,
			&event.Description,
			&metadataJSON,
			&event.Resolved,
			&event.CreatedAt,
			&event.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Type = audit.EventType(eventType)
		event.Risk = audit.RiskLevel(risk)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
