// Package retention deletes old records according to per-category
// policies. Categories are allowlisted; configuration can never inject a
// table or column name.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/flux/internal/observability"
)

// Category names accepted in policies.
const (
	CategoryConversations     = "conversations"
	CategoryAuditLogs         = "audit_logs"
	CategoryWebhookDeliveries = "webhook_deliveries"
)

// target maps an allowlisted category to its table and timestamp column.
// Conversations cascade to messages via FK; the stores open their
// connections with foreign keys enforced.
type target struct {
	table    string
	idColumn string
	tsColumn string
}

var targets = map[string]target{
	CategoryConversations:     {table: "conversations", idColumn: "id", tsColumn: "updated_at"},
	CategoryAuditLogs:         {table: "audit_events", idColumn: "id", tsColumn: "created_at"},
	CategoryWebhookDeliveries: {table: "webhook_deliveries", idColumn: "id", tsColumn: "delivered_at"},
}

// Policy is one category's retention rule. Zero values disable a bound.
type Policy struct {
	Category   string `yaml:"category" json:"category"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	MaxCount   int    `yaml:"max_count" json:"max_count"`
}

// Stats reports one cleanup pass for one category.
type Stats struct {
	Category     string `json:"category"`
	DeletedByAge int64  `json:"deleted_by_age"`
	DeletedByCap int64  `json:"deleted_by_cap"`
	Remaining    int64  `json:"remaining"`
}

// Manager runs retention policies over the three record databases.
type Manager struct {
	policies []Policy
	dbs      map[string]*sql.DB
	logger   *observability.Logger
	now      func() time.Time
}

// New creates a Manager. Any of the DB handles may be nil; policies
// targeting a missing database are skipped with a warning.
func New(policies []Policy, conversations, audit, webhooks *sql.DB, logger *observability.Logger) (*Manager, error) {
	for _, p := range policies {
		if _, ok := targets[p.Category]; !ok {
			return nil, fmt.Errorf("retention: unknown category %q", p.Category)
		}
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Manager{
		policies: policies,
		dbs: map[string]*sql.DB{
			CategoryConversations:     conversations,
			CategoryAuditLogs:         audit,
			CategoryWebhookDeliveries: webhooks,
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

// RunCleanup applies every policy once and returns per-category stats.
// Running it twice in a row is a no-op the second time.
func (m *Manager) RunCleanup(ctx context.Context) ([]Stats, error) {
	var all []Stats
	for _, policy := range m.policies {
		db := m.dbs[policy.Category]
		if db == nil {
			m.logger.Warn(ctx, "retention policy skipped, no database", "category", policy.Category)
			continue
		}
		stats, err := m.apply(ctx, db, policy)
		if err != nil {
			return all, err
		}
		all = append(all, stats)
		m.logger.Info(ctx, "retention cleanup",
			"category", stats.Category,
			"deleted_by_age", stats.DeletedByAge,
			"deleted_by_cap", stats.DeletedByCap,
			"remaining", stats.Remaining)
	}
	return all, nil
}

func (m *Manager) apply(ctx context.Context, db *sql.DB, policy Policy) (Stats, error) {
	t := targets[policy.Category]
	stats := Stats{Category: policy.Category}

	if policy.MaxAgeDays > 0 {
		cutoff := m.now().UTC().AddDate(0, 0, -policy.MaxAgeDays)
		res, err := db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, t.table, t.tsColumn), cutoff)
		if err != nil {
			return stats, fmt.Errorf("retention: age sweep %s: %w", policy.Category, err)
		}
		stats.DeletedByAge, _ = res.RowsAffected()
	}

	if policy.MaxCount > 0 {
		// Delete oldest-first until the cap holds.
		res, err := db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %[1]s WHERE %[2]s IN (
				SELECT %[2]s FROM %[1]s ORDER BY %[3]s ASC
				LIMIT (SELECT MAX(COUNT(*) - ?, 0) FROM %[1]s)
			)`, t.table, t.idColumn, t.tsColumn), policy.MaxCount)
		if err != nil {
			return stats, fmt.Errorf("retention: cap sweep %s: %w", policy.Category, err)
		}
		stats.DeletedByCap, _ = res.RowsAffected()
	}

	if err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.table)).Scan(&stats.Remaining); err != nil {
		return stats, err
	}
	return stats, nil
}
