// Package audit implements the security auditor: an append-only event
// trail with sliding-window pattern detection, alerting, and reporting.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	domain "github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/metrics"
	"github.com/tuneway/tuneway-connect/internal/repository"
)

// detectionWindow is the trailing window pattern detection looks at.
const detectionWindow = time.Hour

// rapidSequenceGap is the inter-event gap below which a burst counts as
// scripted activity.
const rapidSequenceGap = time.Second

// multiIPThreshold is the distinct-IP count above which a window is
// flagged. Strictly greater than.
const multiIPThreshold = 3

// fingerprintHistory is how many recent token fingerprints are checked
// for reuse.
const fingerprintHistory = 5

// minTokenLength is the floor below which an access token is treated as
// structurally broken.
const minTokenLength = 20

// defaultRateThreshold applies to event types without a specific limit.
const defaultRateThreshold = 50

// rateThresholds caps per-user event counts inside the detection window.
var rateThresholds = map[domain.EventType]int{
	domain.EventLoginAttempt:       10,
	domain.EventTokenRefresh:       20,
	domain.EventInvalidToken:       5,
	domain.EventUnauthorizedAccess: 3,
}

// Notifier publishes alerts to the ops stream.
type Notifier interface {
	PublishAlert(ctx context.Context, alert domain.Alert, event domain.Event) error
}

// Auditor records security events, runs pattern detection over the
// trailing window, and raises alerts for high-risk findings.
type Auditor struct {
	repo     repository.AuditRepository
	node     *snowflake.Node
	notifier Notifier
	logger   *zap.Logger

	now func() time.Time
}

// NewAuditor wires the security auditor.
func NewAuditor(repo repository.AuditRepository, node *snowflake.Node, notifier Notifier, logger *zap.Logger) *Auditor {
	return &Auditor{
		repo:     repo,
		node:     node,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// LogEvent appends one audit event and returns its ID. Unknown event
// types and out-of-range risk levels are rejected. High and critical
// events additionally raise an alert; non-derived events feed pattern
// detection, which may append derived events of its own.
func (a *Auditor) LogEvent(ctx context.Context, userID string, eventType domain.EventType, risk domain.RiskLevel, description string, metadata domain.Metadata) (string, error) {
	if !eventType.Known() {
		return "", fmt.Errorf("unknown event type %q", eventType)
	}
	if !risk.Valid() {
		return "", fmt.Errorf("invalid risk level %d", risk)
	}

	now := a.now().UTC()
	event := domain.Event{
		ID:          a.node.Generate().String(),
		UserID:      userID,
		Type:        eventType,
		Risk:        risk,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   now,
		ExpiresAt:   now.Add(domain.Retention),
	}
	if err := a.repo.InsertEvent(ctx, event); err != nil {
		return "", fmt.Errorf("insert audit event: %w", err)
	}
	metrics.AuditEvents.WithLabelValues(string(eventType), risk.String()).Inc()

	if risk >= domain.RiskHigh {
		a.raiseAlert(ctx, event)
	}
	if !eventType.Derived() && userID != "" {
		a.detect(ctx, event)
	}
	return event.ID, nil
}

// raiseAlert persists an alert for the event and publishes it. Alert
// failures never fail the originating operation.
func (a *Auditor) raiseAlert(ctx context.Context, event domain.Event) {
	alert := domain.Alert{
		ID:        a.node.Generate().String(),
		EventID:   event.ID,
		UserID:    event.UserID,
		Level:     event.Risk,
		CreatedAt: event.CreatedAt,
	}
	if err := a.repo.InsertAlert(ctx, alert); err != nil {
		a.log().Error("insert alert", zap.Error(err), zap.String("event_id", event.ID))
		return
	}
	metrics.AlertsRaised.WithLabelValues(event.Risk.String()).Inc()

	if a.notifier != nil {
		if err := a.notifier.PublishAlert(ctx, alert, event); err != nil {
			a.log().Warn("publish alert", zap.Error(err), zap.String("alert_id", alert.ID))
		}
	}
	a.log().Warn("security alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("risk", event.Risk.String()),
		zap.String("user_id", event.UserID))
}

// detect runs the window checks after an event is persisted. Detection
// errors are logged at low severity and never surfaced to the caller.
func (a *Auditor) detect(ctx context.Context, event domain.Event) {
	since := event.CreatedAt.Add(-detectionWindow)

	a.detectRate(ctx, event, since)
	a.detectMultiIP(ctx, event, since)
	a.detectRapidSequence(ctx, event, since)
}

// detectRate emits rate_limit_exceeded once per breach. The counter can
// jump past the threshold when several instances insert concurrently,
// so the check is a floor plus dedupe against an existing finding in
// the window, not an exact edge match.
func (a *Auditor) detectRate(ctx context.Context, event domain.Event, since time.Time) {
	threshold, ok := rateThresholds[event.Type]
	if !ok {
		threshold = defaultRateThreshold
	}
	count, err := a.repo.CountEventsSince(ctx, event.UserID, event.Type, since)
	if err != nil {
		a.log().Debug("rate detection query failed", zap.Error(err))
		return
	}
	if count <= threshold {
		return
	}
	events, err := a.repo.ListEventsSince(ctx, event.UserID, since)
	if err != nil {
		a.log().Debug("rate detection query failed", zap.Error(err))
		return
	}
	if containsDerived(events, domain.EventRateLimitExceeded, string(event.Type)) {
		return
	}
	a.derived(ctx, event.UserID, domain.EventRateLimitExceeded, domain.RiskMedium,
		fmt.Sprintf("%d %s events within one hour (limit %d)", count, event.Type, threshold),
		domain.Metadata{IPAddress: event.Metadata.IPAddress, Provider: event.Metadata.Provider})
}

// detectMultiIP flags a user seen from more than three distinct IPs in
// the window.
func (a *Auditor) detectMultiIP(ctx context.Context, event domain.Event, since time.Time) {
	if event.Metadata.IPAddress == "" {
		return
	}
	events, err := a.repo.ListEventsSince(ctx, event.UserID, since)
	if err != nil {
		a.log().Debug("multi-ip detection query failed", zap.Error(err))
		return
	}
	ips := make(map[string]struct{})
	for _, e := range events {
		if e.Metadata.IPAddress != "" {
			ips[e.Metadata.IPAddress] = struct{}{}
		}
	}
	if len(ips) <= multiIPThreshold {
		return
	}
	if containsDerived(events, domain.EventSuspiciousActivity, "distinct IP") {
		return
	}
	a.derived(ctx, event.UserID, domain.EventSuspiciousActivity, domain.RiskHigh,
		fmt.Sprintf("activity from %d distinct IP addresses within one hour", len(ips)),
		domain.Metadata{IPAddress: event.Metadata.IPAddress})
}

// detectRapidSequence flags two non-derived events less than a second
// apart, a signature of scripted access.
func (a *Auditor) detectRapidSequence(ctx context.Context, event domain.Event, since time.Time) {
	events, err := a.repo.ListEventsSince(ctx, event.UserID, since)
	if err != nil {
		a.log().Debug("rapid-sequence detection query failed", zap.Error(err))
		return
	}

	var prev time.Time
	for _, e := range events {
		if e.Type.Derived() || e.ID == event.ID {
			continue
		}
		if !e.CreatedAt.After(prev) {
			continue
		}
		prev = e.CreatedAt
	}
	if prev.IsZero() || event.CreatedAt.Sub(prev) >= rapidSequenceGap {
		return
	}
	a.derived(ctx, event.UserID, domain.EventSuspiciousActivity, domain.RiskMedium,
		"rapid event sequence, events less than one second apart",
		domain.Metadata{IPAddress: event.Metadata.IPAddress})
}

// containsDerived reports whether a derived event of the given type
// whose description mentions marker is already in the window.
func containsDerived(events []domain.Event, eventType domain.EventType, marker string) bool {
	for _, e := range events {
		if e.Type == eventType && strings.Contains(e.Description, marker) {
			return true
		}
	}
	return false
}

// derived appends a detection-produced event. Derived events skip
// further detection to avoid feedback loops.
func (a *Auditor) derived(ctx context.Context, userID string, eventType domain.EventType, risk domain.RiskLevel, description string, metadata domain.Metadata) {
	now := a.now().UTC()
	event := domain.Event{
		ID:          a.node.Generate().String(),
		UserID:      userID,
		Type:        eventType,
		Risk:        risk,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   now,
		ExpiresAt:   now.Add(domain.Retention),
	}
	if err := a.repo.InsertEvent(ctx, event); err != nil {
		a.log().Error("insert derived event", zap.Error(err), zap.String("event_type", string(eventType)))
		return
	}
	metrics.AuditEvents.WithLabelValues(string(eventType), risk.String()).Inc()
	if risk >= domain.RiskHigh {
		a.raiseAlert(ctx, event)
	}
}

// TokenCheck is the result of validating stored token material.
type TokenCheck struct {
	Valid       bool
	Issues      []string
	Risk        domain.RiskLevel
	Fingerprint string
}

// ValidateTokenSecurity inspects a token about to be stored: structural
// length, time to expiry, and fingerprint reuse against the user's
// recent history. It always writes a token_validation event recording
// the outcome.
func (a *Auditor) ValidateTokenSecurity(ctx context.Context, userID, providerID, accessToken string, expiry time.Time) (TokenCheck, error) {
	check := TokenCheck{Valid: true, Risk: domain.RiskLow}

	sum := sha256.Sum256([]byte(accessToken))
	check.Fingerprint = hex.EncodeToString(sum[:])

	if len(accessToken) < minTokenLength {
		check.Valid = false
		check.Risk = domain.RiskCritical
		check.Issues = append(check.Issues, "token shorter than minimum length")
	}
	now := a.now().UTC()
	if !expiry.IsZero() && expiry.Sub(now) < 5*time.Minute {
		if check.Risk < domain.RiskMedium {
			check.Risk = domain.RiskMedium
		}
		check.Issues = append(check.Issues, "token expires in under five minutes")
	}

	recent, err := a.repo.RecentTokenFingerprints(ctx, userID, providerID, fingerprintHistory)
	if err != nil {
		a.log().Debug("fingerprint history query failed", zap.Error(err))
	}
	for _, fp := range recent {
		if fp == check.Fingerprint {
			check.Valid = false
			if check.Risk < domain.RiskHigh {
				check.Risk = domain.RiskHigh
			}
			check.Issues = append(check.Issues, "token fingerprint matches a recently seen token")
			break
		}
	}

	description := "token validation passed"
	if len(check.Issues) > 0 {
		description = fmt.Sprintf("token validation flagged: %v", check.Issues)
	}
	if _, err := a.LogEvent(ctx, userID, domain.EventTokenValidation, check.Risk, description, domain.Metadata{
		Provider:         providerID,
		TokenFingerprint: check.Fingerprint,
	}); err != nil {
		return check, err
	}
	return check, nil
}

// AcknowledgeAlert marks an alert as seen by an operator.
func (a *Auditor) AcknowledgeAlert(ctx context.Context, alertID string) error {
	return a.repo.AcknowledgeAlert(ctx, alertID, a.now().UTC())
}

// ResolveAlert closes out an alert.
func (a *Auditor) ResolveAlert(ctx context.Context, alertID string) error {
	return a.repo.ResolveAlert(ctx, alertID, a.now().UTC())
}

func (a *Auditor) log() *zap.Logger {
	if a != nil && a.logger != nil {
		return a.logger
	}
	return zap.L()
}
