package alarm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/store"
)

// StableKey derives a stable (source, key) identifier for sources that
// don't supply a natural dedupe key, mirroring
// original_source/sunny_scada/services/alarm_manager.py's
// make_stable_key.
func StableKey(source, raw string) string {
	sum := sha1.Sum([]byte(source + "|" + raw))
	return hex.EncodeToString(sum[:])
}

// TreeLookup resolves the current configuration tree for alarm context
// decoration (plc/container/equipment names). The Poller and Command
// Service share the same kind of lookup against internal/store's
// TreeCache.
type TreeLookup func() *core.Tree

// Engine is the process-wide singleton Alarm Engine.
type Engine struct {
	db       *store.DB
	tree     TreeLookup
	log      *slog.Logger
	onEvent  func(payload map[string]any)
}

// New constructs an Engine. Per §9, constructors never perform I/O.
func New(db *store.DB, tree TreeLookup, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, tree: tree, log: log}
}

// SetBroadcast registers the callback invoked after a commited
// transition (spec.md §4.G step 5). Never invoked on a non-transition
// or a rolled-back transaction.
func (e *Engine) SetBroadcast(fn func(payload map[string]any)) {
	e.onEvent = fn
}

// Occurrence is the API-facing view of a store.OccurrenceRow, with
// names resolved through the configuration tree.
type Occurrence struct {
	OccurrenceID     int64
	Source           string
	Key              string
	DataPointID      *int64
	DataPointLabel   string
	PLCName          string
	ContainerName    string
	EquipmentName    string
	State            string
	Severity         string
	Message          string
	Value            *float64
	WarningThreshold *float64
	AlarmThreshold   *float64
	FirstSeen        time.Time
	LastSeen         time.Time
	Acknowledged     bool
	AcknowledgedAt   *time.Time
}

// context resolves human-readable names for a datapoint's ancestry,
// grounded on alarm_manager.py's _alarm_context_for_datapoint.
func (e *Engine) context(dataPointID *int64) (plcName, containerName, equipmentName, dpLabel string) {
	if dataPointID == nil || e.tree == nil {
		return
	}
	t := e.tree()
	if t == nil {
		return
	}
	dp, ok := t.DataPoints[*dataPointID]
	if !ok {
		return
	}
	dpLabel = dp.Label

	switch dp.OwnerKind {
	case core.OwnerPLC:
		if p, ok := t.PLCs[dp.OwnerID]; ok {
			plcName = p.Name
		}
	case core.OwnerContainer:
		if c, ok := t.Containers[dp.OwnerID]; ok {
			containerName = c.Name
			if p, ok := t.PLCs[c.PLCID]; ok {
				plcName = p.Name
			}
		}
	case core.OwnerEquipment:
		if eq, ok := t.Equipment[dp.OwnerID]; ok {
			equipmentName = eq.Name
			if c, ok := t.Containers[eq.ContainerID]; ok {
				containerName = c.Name
				if p, ok := t.PLCs[c.PLCID]; ok {
					plcName = p.Name
				}
			}
		}
	}
	return
}

func toOccurrence(row store.OccurrenceRow, plcName, containerName, equipmentName, dpLabel string) Occurrence {
	return Occurrence{
		OccurrenceID:     row.ID,
		Source:           row.Source,
		Key:              row.Key,
		DataPointID:      row.DataPointID,
		DataPointLabel:   dpLabel,
		PLCName:          plcName,
		ContainerName:    containerName,
		EquipmentName:    equipmentName,
		State:            row.State,
		Severity:         row.Severity,
		Message:          row.Message,
		Value:            row.Value,
		WarningThreshold: row.WarningThreshold,
		AlarmThreshold:   row.AlarmThreshold,
		FirstSeen:        row.FirstSeen,
		LastSeen:         row.LastSeen,
		Acknowledged:     row.Acknowledged,
		AcknowledgedAt:   row.AcknowledgedAt,
	}
}

// SetStateInput bundles one rule/tick evaluation result.
type SetStateInput struct {
	Source           string
	Key              string // if empty, derived via StableKey(source, message)
	NewState         State
	Severity         string
	Message          string
	DataPointID      *int64
	Value            *float64
	WarningThreshold *float64
	AlarmThreshold   *float64
	Meta             map[string]any
}

// SetState transitions the (source, key) occurrence, appends an event
// only on a real transition, and invokes the broadcast callback only
// then — spec.md §4.G's set_state algorithm, one DB transaction.
func (e *Engine) SetState(ctx context.Context, in SetStateInput) (Occurrence, bool, error) {
	key := in.Key
	if key == "" {
		key = StableKey(in.Source, in.Message)
	}
	severity := in.Severity
	if severity == "" {
		severity = "info"
	}
	newState := in.NewState
	if newState == "" {
		newState = StateOK
	}

	result, err := e.db.SetState(ctx, store.SetStateParams{
		Source:           in.Source,
		Key:              key,
		NewState:         string(newState),
		Severity:         severity,
		Message:          in.Message,
		DataPointID:      in.DataPointID,
		Value:            in.Value,
		WarningThreshold: in.WarningThreshold,
		AlarmThreshold:   in.AlarmThreshold,
		Meta:             in.Meta,
		TS:               time.Now().UTC(),
	})
	if err != nil {
		return Occurrence{}, false, fmt.Errorf("alarm: set_state: %w", err)
	}

	plcName, containerName, equipmentName, dpLabel := e.context(result.Occurrence.DataPointID)
	occ := toOccurrence(result.Occurrence, plcName, containerName, equipmentName, dpLabel)

	if result.Transitioned && e.onEvent != nil {
		payload := map[string]any{
			"type":              "alarm_state",
			"ts":                result.Occurrence.LastSeen.Format(time.RFC3339Nano),
			"source":            occ.Source,
			"key":               occ.Key,
			"occurrence_id":     occ.OccurrenceID,
			"state":             occ.State,
			"severity":          occ.Severity,
			"value":             occ.Value,
			"warning_threshold": occ.WarningThreshold,
			"alarm_threshold":   occ.AlarmThreshold,
			"message":           occ.Message,
			"plc_name":          occ.PLCName,
			"container_name":    occ.ContainerName,
			"equipment_name":    occ.EquipmentName,
			"datapoint_label":   occ.DataPointLabel,
			"datapoint_id":      occ.DataPointID,
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("alarm: broadcast callback panicked", "recover", r)
				}
			}()
			e.onEvent(payload)
		}()
	}

	return occ, result.Transitioned, nil
}

// Acknowledge sets/clears acknowledgement on an occurrence. Does not
// create an event row (spec.md §4.G "Acknowledgement").
func (e *Engine) Acknowledge(ctx context.Context, occurrenceID int64, acknowledged bool, userID *int64, note string) (Occurrence, error) {
	row, err := e.db.Acknowledge(ctx, occurrenceID, acknowledged, userID, note)
	if err != nil {
		return Occurrence{}, fmt.Errorf("alarm: acknowledge: %w", err)
	}
	plcName, containerName, equipmentName, dpLabel := e.context(row.DataPointID)
	return toOccurrence(row, plcName, containerName, equipmentName, dpLabel), nil
}

// ActiveSnapshot enumerates every currently-active occurrence,
// decorated with tree context, delivered at subscribe time so
// reconnecting clients resync without missing a transition (spec.md
// §4.G "Active snapshot", §7 "subscribers that reconnect resync from
// ListActive()").
func (e *Engine) ActiveSnapshot(ctx context.Context) ([]Occurrence, error) {
	rows, err := e.db.ListActiveOccurrences(ctx)
	if err != nil {
		return nil, fmt.Errorf("alarm: active snapshot: %w", err)
	}
	out := make([]Occurrence, 0, len(rows))
	for _, row := range rows {
		plcName, containerName, equipmentName, dpLabel := e.context(row.DataPointID)
		out = append(out, toOccurrence(row, plcName, containerName, equipmentName, dpLabel))
	}
	return out, nil
}

// QueryHistory returns recent AlarmEvent rows for an occurrence (or
// globally, when occurrenceID is nil) for the historian-adjacent
// trend/history queries named in spec.md §6.
func (e *Engine) QueryHistory(ctx context.Context, occurrenceID *int64, limit int) ([]store.EventRow, error) {
	rows, err := e.db.QueryHistory(ctx, store.AlarmHistoryFilters{OccurrenceID: occurrenceID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("alarm: query history: %w", err)
	}
	return rows, nil
}

// EvaluateDataPoint runs every enabled rule bound to dataPointID
// against value and reports each resulting state transition. This is
// the Poller's per-cycle hook into the Alarm Engine (spec.md §4.D step
// 6): source is the rule's own Source, or "backend_rule" when unset,
// and the key is the rule's ExternalID, or "rule:<id>" when unset.
func (e *Engine) EvaluateDataPoint(ctx context.Context, rules []Rule, dataPointID int64, value float64, now time.Time) error {
	for _, rule := range rules {
		if rule.DataPointID != dataPointID {
			continue
		}
		state := EvaluateRule(rule, value, now)
		src := rule.Source
		if src == "" {
			src = "backend_rule"
		}
		v := value
		dpID := dataPointID
		key := fmt.Sprintf("rule:%d", rule.ID)
		if rule.ExternalID != "" {
			key = rule.ExternalID
		}
		_, _, err := e.SetState(ctx, SetStateInput{
			Source:           src,
			Key:              key,
			NewState:         state,
			Severity:         rule.Severity,
			Message:          fmt.Sprintf("rule %d evaluated %s", rule.ID, state),
			DataPointID:      &dpID,
			Value:            &v,
			WarningThreshold: rule.WarningThreshold,
			AlarmThreshold:   rule.AlarmThreshold,
		})
		if err != nil {
			e.log.Warn("alarm: rule evaluation failed", "rule_id", rule.ID, "datapoint_id", dataPointID, "error", err)
		}
	}
	return nil
}
