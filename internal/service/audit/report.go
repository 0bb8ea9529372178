package audit

import (
	"context"
	"sort"
	"time"

	domain "github.com/tuneway/tuneway-connect/internal/domain/audit"
)

// Metrics aggregates the audit trail over a time range.
type Metrics struct {
	From           time.Time
	To             time.Time
	TotalEvents    int
	EventsByType   map[domain.EventType]int
	EventsByRisk   map[string]int
	HighRiskEvents int
	UniqueUsers    int
	UniqueIPs      int
}

// Report is the periodic security summary built on top of Metrics.
type Report struct {
	Period      string
	GeneratedAt time.Time
	Metrics     Metrics
	// TopUsers lists the most active users in the period, busiest first.
	TopUsers []UserActivity
	// OpenFindings are the unresolved high and critical events.
	OpenFindings []domain.Event
}

// UserActivity is one row of the per-user breakdown.
type UserActivity struct {
	UserID     string
	EventCount int
	MaxRisk    domain.RiskLevel
}

// topUserLimit caps the per-user breakdown in reports.
const topUserLimit = 10

// MetricsForRange computes aggregate counts over [from, to).
func (a *Auditor) MetricsForRange(ctx context.Context, from, to time.Time) (Metrics, error) {
	events, err := a.repo.ListEventsInRange(ctx, from, to)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		From:         from,
		To:           to,
		TotalEvents:  len(events),
		EventsByType: make(map[domain.EventType]int),
		EventsByRisk: make(map[string]int),
	}
	users := make(map[string]struct{})
	ips := make(map[string]struct{})
	for _, e := range events {
		m.EventsByType[e.Type]++
		m.EventsByRisk[e.Risk.String()]++
		if e.Risk >= domain.RiskHigh {
			m.HighRiskEvents++
		}
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
		if e.Metadata.IPAddress != "" {
			ips[e.Metadata.IPAddress] = struct{}{}
		}
	}
	m.UniqueUsers = len(users)
	m.UniqueIPs = len(ips)
	return m, nil
}

// GenerateReport builds the summary for a named period: "daily",
// "weekly", or "monthly". Unknown periods fall back to daily.
func (a *Auditor) GenerateReport(ctx context.Context, period string) (Report, error) {
	now := a.now().UTC()
	var span time.Duration
	switch period {
	case "weekly":
		span = 7 * 24 * time.Hour
	case "monthly":
		span = 30 * 24 * time.Hour
	default:
		period = "daily"
		span = 24 * time.Hour
	}
	from := now.Add(-span)

	events, err := a.repo.ListEventsInRange(ctx, from, now)
	if err != nil {
		return Report{}, err
	}

	metrics := Metrics{
		From:         from,
		To:           now,
		TotalEvents:  len(events),
		EventsByType: make(map[domain.EventType]int),
		EventsByRisk: make(map[string]int),
	}
	byUser := make(map[string]*UserActivity)
	users := make(map[string]struct{})
	ips := make(map[string]struct{})
	var findings []domain.Event
	for _, e := range events {
		metrics.EventsByType[e.Type]++
		metrics.EventsByRisk[e.Risk.String()]++
		if e.Risk >= domain.RiskHigh {
			metrics.HighRiskEvents++
			if !e.Resolved {
				findings = append(findings, e)
			}
		}
		if e.Metadata.IPAddress != "" {
			ips[e.Metadata.IPAddress] = struct{}{}
		}
		if e.UserID == "" {
			continue
		}
		users[e.UserID] = struct{}{}
		row, ok := byUser[e.UserID]
		if !ok {
			row = &UserActivity{UserID: e.UserID}
			byUser[e.UserID] = row
		}
		row.EventCount++
		if e.Risk > row.MaxRisk {
			row.MaxRisk = e.Risk
		}
	}
	metrics.UniqueUsers = len(users)
	metrics.UniqueIPs = len(ips)

	top := make([]UserActivity, 0, len(byUser))
	for _, row := range byUser {
		top = append(top, *row)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].EventCount != top[j].EventCount {
			return top[i].EventCount > top[j].EventCount
		}
		return top[i].UserID < top[j].UserID
	})
	if len(top) > topUserLimit {
		top = top[:topUserLimit]
	}

	return Report{
		Period:       period,
		GeneratedAt:  now,
		Metrics:      metrics,
		TopUsers:     top,
		OpenFindings: findings,
	}, nil
}
