// Package gatewaysvc orchestrates evaluate/execute requests across
// manifest lookup (C5), policy evaluation (C6), approval resolution (C7),
// the audit chain (C8), connectors (C4) and the secrets vault (C11),
// following the request-handling shape of the teacher's otc-gateway
// service layer (load state, call into a pure decision component, persist
// the outcome in one place) generalized from a swap settlement flow to
// the policy gateway's evaluate/execute flow.
package gatewaysvc

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"policygateway/internal/store"
)

func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}

// ActionCounterBudget implements policy.BudgetReserver over the
// action_counters table using a single-statement conditional update,
// `UPDATE counters SET count=count+1 WHERE ... AND count < daily_cap`,
// inserting a zero-count row and retrying the update when no row exists yet.
type ActionCounterBudget struct {
	db *gorm.DB
}

// NewActionCounterBudget builds an ActionCounterBudget over db.
func NewActionCounterBudget(db *gorm.DB) *ActionCounterBudget {
	return &ActionCounterBudget{db: db}
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Reserve claims one slot for (orgID, uapkID) on today's UTC date under
// dailyCap in a single conditional UPDATE, falling back to an INSERT of a
// zero-count row (then retrying the UPDATE) the first time a given day is
// seen. Reserved is false, with no row mutated, iff the cap was already
// met.
func (b *ActionCounterBudget) Reserve(ctx context.Context, orgID, uapkID string, dailyCap int64, now time.Time) (bool, int64, error) {
	day := dayKey(now)

	res := b.db.WithContext(ctx).
		Model(&store.ActionCounterRow{}).
		Where("org_id = ? AND uapk_id = ? AND day = ? AND count < ?", orgID, uapkID, day, dailyCap).
		Updates(map[string]any{"count": gorm.Expr("count + 1"), "updated_at": now})
	if res.Error != nil {
		return false, 0, fmt.Errorf("gatewaysvc: reserve budget: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		var count int64
		if err := b.db.WithContext(ctx).Model(&store.ActionCounterRow{}).
			Where("org_id = ? AND uapk_id = ? AND day = ?", orgID, uapkID, day).
			Pluck("count", &count).Error; err != nil {
			return false, 0, fmt.Errorf("gatewaysvc: read reserved count: %w", err)
		}
		return true, count, nil
	}

	// No row updated: either the row doesn't exist yet (first action of the
	// day) or the cap is already met. Try creating the zero-count row. If a
	// concurrent caller wins the insert race, DoNothing makes ours a no-op
	// rather than an error — either way the row now exists, so retry the
	// conditional update once regardless of who actually inserted it.
	created := b.db.WithContext(ctx).
		Clauses(onConflictDoNothing()).
		Create(&store.ActionCounterRow{OrgID: orgID, UAPKID: uapkID, Day: day, Count: 0, UpdatedAt: now})
	if created.Error != nil {
		return false, 0, fmt.Errorf("gatewaysvc: reserve budget: insert counter row: %w", created.Error)
	}
	res = b.db.WithContext(ctx).
		Model(&store.ActionCounterRow{}).
		Where("org_id = ? AND uapk_id = ? AND day = ? AND count < ?", orgID, uapkID, day, dailyCap).
		Updates(map[string]any{"count": gorm.Expr("count + 1"), "updated_at": now})
	if res.Error != nil {
		return false, 0, fmt.Errorf("gatewaysvc: reserve budget after insert: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		var count int64
		if err := b.db.WithContext(ctx).Model(&store.ActionCounterRow{}).
			Where("org_id = ? AND uapk_id = ? AND day = ?", orgID, uapkID, day).
			Pluck("count", &count).Error; err != nil {
			return false, 0, fmt.Errorf("gatewaysvc: read reserved count: %w", err)
		}
		return true, count, nil
	}

	var count int64
	if err := b.db.WithContext(ctx).Model(&store.ActionCounterRow{}).
		Where("org_id = ? AND uapk_id = ? AND day = ?", orgID, uapkID, day).
		Pluck("count", &count).Error; err != nil {
		return false, 0, nil
	}
	return false, count, nil
}

// Release reverses a previously successful Reserve, bounded so the count
// never drops below zero.
func (b *ActionCounterBudget) Release(ctx context.Context, orgID, uapkID string, now time.Time) error {
	day := dayKey(now)
	err := b.db.WithContext(ctx).
		Model(&store.ActionCounterRow{}).
		Where("org_id = ? AND uapk_id = ? AND day = ? AND count > 0", orgID, uapkID, day).
		Updates(map[string]any{"count": gorm.Expr("count - 1"), "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("gatewaysvc: release budget: %w", err)
	}
	return nil
}
