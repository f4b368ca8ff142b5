package alarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/sunnyfields/scada-core/internal/store"
)

// RuleCache holds the most recently loaded alarm rule set. Like
// internal/store.TreeCache it changes only when Refresh is called; it
// schedules no refresh of its own.
type RuleCache struct {
	db *store.DB

	mu    sync.RWMutex
	rules []Rule
}

// NewRuleCache constructs an empty cache. Per §9, no I/O until Refresh.
func NewRuleCache(db *store.DB) *RuleCache {
	return &RuleCache{db: db}
}

// Refresh reloads every rule from alarm_rules and swaps it in
// atomically.
func (rc *RuleCache) Refresh(ctx context.Context) error {
	rows, err := rc.db.QueryContext(ctx, `
		SELECT id, datapoint_id, source, external_id, enabled, severity,
		       comparison, warning_enabled, warning_threshold, warning_low, warning_high,
		       alarm_threshold, alarm_low, alarm_high,
		       schedule_enabled, schedule_start, schedule_end, schedule_tz
		FROM alarm_rules
	`)
	if err != nil {
		return fmt.Errorf("alarm: rule cache refresh: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var externalID *string
		var scheduleEnabled bool
		var scheduleStart, scheduleEnd, scheduleTz *string
		if err := rows.Scan(
			&r.ID, &r.DataPointID, &r.Source, &externalID, &r.Enabled, &r.Severity,
			&r.Comparison, &r.WarningEnabled, &r.WarningThreshold, &r.WarningLow, &r.WarningHigh,
			&r.AlarmThreshold, &r.AlarmLow, &r.AlarmHigh,
			&scheduleEnabled, &scheduleStart, &scheduleEnd, &scheduleTz,
		); err != nil {
			return fmt.Errorf("alarm: rule cache scan: %w", err)
		}
		if externalID != nil {
			r.ExternalID = *externalID
		}
		if scheduleEnabled {
			r.Schedule = &Schedule{Enabled: true}
			if scheduleStart != nil {
				r.Schedule.StartTime = *scheduleStart
			}
			if scheduleEnd != nil {
				r.Schedule.EndTime = *scheduleEnd
			}
			if scheduleTz != nil {
				r.Schedule.Timezone = *scheduleTz
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("alarm: rule cache rows: %w", err)
	}

	rc.mu.Lock()
	rc.rules = out
	rc.mu.Unlock()
	return nil
}

// Get returns the current rule set. Matches the
// poller.RuleLookup func() []Rule type.
func (rc *RuleCache) Get() []Rule {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.rules
}
