package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OccurrenceRow is the persisted AlarmOccurrence row (spec.md §3): the
// authoritative current state of one (source, key), restart-safe.
type OccurrenceRow struct {
	ID                int64
	Source            string
	Key               string
	DataPointID       *int64
	State             string
	Severity          string
	Message           string
	Value             *float64
	WarningThreshold  *float64
	AlarmThreshold    *float64
	FirstSeen         time.Time
	LastSeen          time.Time
	ClearedAt         *time.Time
	IsActive          bool
	Acknowledged      bool
	AcknowledgedAt    *time.Time
	AcknowledgedByUID *int64
	Meta              map[string]any
}

// EventRow is one immutable AlarmEvent row.
type EventRow struct {
	ID           int64
	OccurrenceID int64
	TS           time.Time
	PrevState    string
	NewState     string
	Severity     string
	Message      string
	Value        *float64
	Meta         map[string]any
}

// SetStateParams bundles everything one rule/tick evaluation can
// change about an occurrence; see internal/alarm.Engine.SetState.
type SetStateParams struct {
	Source           string
	Key              string
	NewState         string
	Severity         string
	Message          string
	DataPointID      *int64
	Value            *float64
	WarningThreshold *float64
	AlarmThreshold   *float64
	Meta             map[string]any
	TS               time.Time
}

// SetStateResult reports what SetState actually did, so the caller
// knows whether to invoke the broadcast callback (spec.md §4.G step 5:
// "on transition only").
type SetStateResult struct {
	Occurrence   OccurrenceRow
	Transitioned bool
	PrevState    string
}

// SetState upserts the AlarmOccurrence for (source, key) and, only on
// a state change, appends an AlarmEvent — all inside one transaction,
// matching original_source/sunny_scada/services/alarm_manager.py's
// set_state exactly (upsert, conditional event, single commit; on any
// error the whole thing rolls back and no broadcast follows).
func (db *DB) SetState(ctx context.Context, p SetStateParams) (SetStateResult, error) {
	var result SetStateResult
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var occ OccurrenceRow
		var metaJSON []byte
		var clearedAt sql.NullTime
		var ackAt sql.NullTime
		var ackUID sql.NullInt64
		var dpID sql.NullInt64
		var value, warn, alarm sql.NullFloat64

		row := tx.QueryRowContext(ctx, `
			SELECT id, source, key, datapoint_id, state, severity, message, value,
			       warning_threshold, alarm_threshold, first_seen, last_seen, cleared_at,
			       is_active, acknowledged, acknowledged_at, acknowledged_by, meta
			FROM alarm_occurrences WHERE source = $1 AND key = $2 FOR UPDATE`, p.Source, p.Key)
		err := row.Scan(
			&occ.ID, &occ.Source, &occ.Key, &dpID, &occ.State, &occ.Severity, &occ.Message,
			&value, &warn, &alarm, &occ.FirstSeen, &occ.LastSeen, &clearedAt,
			&occ.IsActive, &occ.Acknowledged, &ackAt, &ackUID, &metaJSON,
		)
		created := false
		if err == sql.ErrNoRows {
			created = true
			occ.Source = p.Source
			occ.Key = p.Key
			occ.State = "OK"
			occ.FirstSeen = p.TS
			occ.LastSeen = p.TS
			insertRow := tx.QueryRowContext(ctx, `
				INSERT INTO alarm_occurrences
					(source, key, datapoint_id, state, severity, message, value,
					 warning_threshold, alarm_threshold, first_seen, last_seen,
					 is_active, acknowledged, meta)
				VALUES ($1, $2, $3, 'OK', $4, $5, $6, $7, $8, $9, $9, false, false, '{}'::jsonb)
				RETURNING id`,
				p.Source, p.Key, p.DataPointID, p.Severity, p.Message, p.Value,
				p.WarningThreshold, p.AlarmThreshold, p.TS,
			)
			if err := insertRow.Scan(&occ.ID); err != nil {
				return fmt.Errorf("store: insert alarm occurrence: %w", err)
			}
			occ.Meta = map[string]any{}
		} else if err != nil {
			return fmt.Errorf("store: load alarm occurrence: %w", err)
		} else {
			if dpID.Valid {
				v := dpID.Int64
				occ.DataPointID = &v
			}
			if value.Valid {
				v := value.Float64
				occ.Value = &v
			}
			if warn.Valid {
				v := warn.Float64
				occ.WarningThreshold = &v
			}
			if alarm.Valid {
				v := alarm.Float64
				occ.AlarmThreshold = &v
			}
			if clearedAt.Valid {
				v := clearedAt.Time
				occ.ClearedAt = &v
			}
			if ackAt.Valid {
				v := ackAt.Time
				occ.AcknowledgedAt = &v
			}
			if ackUID.Valid {
				v := ackUID.Int64
				occ.AcknowledgedByUID = &v
			}
			if len(metaJSON) > 0 {
				if err := json.Unmarshal(metaJSON, &occ.Meta); err != nil {
					return fmt.Errorf("store: unmarshal occurrence meta: %w", err)
				}
			}
			if occ.Meta == nil {
				occ.Meta = map[string]any{}
			}
		}

		prevState := occ.State
		newState := p.NewState
		if newState == "" {
			newState = "OK"
		}

		occ.LastSeen = p.TS
		if p.Severity != "" {
			occ.Severity = p.Severity
		}
		if p.Message != "" {
			occ.Message = p.Message
		}
		occ.Value = p.Value
		occ.WarningThreshold = p.WarningThreshold
		occ.AlarmThreshold = p.AlarmThreshold
		if p.DataPointID != nil {
			occ.DataPointID = p.DataPointID
		}
		for k, v := range p.Meta {
			occ.Meta[k] = v
		}

		transitioned := !created && prevState != newState
		if created {
			// A brand-new occurrence transitions away from the implicit
			// initial OK state whenever it isn't itself OK.
			transitioned = newState != "OK"
		}

		if transitioned || created {
			occ.State = newState
			occ.IsActive = newState == "WARNING" || newState == "ALARM"
			if newState == "OK" {
				occ.ClearedAt = &p.TS
			} else {
				occ.ClearedAt = nil
			}
			if prevState != "ALARM" && newState == "ALARM" {
				occ.Acknowledged = false
				occ.AcknowledgedAt = nil
				occ.AcknowledgedByUID = nil
			}
		}

		mergedMeta, err := json.Marshal(occ.Meta)
		if err != nil {
			return fmt.Errorf("store: marshal occurrence meta: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE alarm_occurrences SET
				datapoint_id = $1, state = $2, severity = $3, message = $4, value = $5,
				warning_threshold = $6, alarm_threshold = $7, last_seen = $8, cleared_at = $9,
				is_active = $10, acknowledged = $11, acknowledged_at = $12, acknowledged_by = $13, meta = $14
			WHERE id = $15`,
			occ.DataPointID, occ.State, occ.Severity, occ.Message, occ.Value,
			occ.WarningThreshold, occ.AlarmThreshold, occ.LastSeen, occ.ClearedAt,
			occ.IsActive, occ.Acknowledged, occ.AcknowledgedAt, occ.AcknowledgedByUID, mergedMeta,
			occ.ID,
		)
		if err != nil {
			return fmt.Errorf("store: update alarm occurrence: %w", err)
		}

		if transitioned {
			evtMeta, err := json.Marshal(p.Meta)
			if err != nil {
				return fmt.Errorf("store: marshal alarm event meta: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO alarm_events (occurrence_id, ts, prev_state, new_state, severity, message, value, meta)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				occ.ID, p.TS, prevState, newState, occ.Severity, occ.Message, occ.Value, evtMeta,
			); err != nil {
				return fmt.Errorf("store: insert alarm event: %w", err)
			}
		}

		result = SetStateResult{Occurrence: occ, Transitioned: transitioned, PrevState: prevState}
		return nil
	})
	return result, err
}

// Acknowledge sets/clears the acknowledgement fields of an occurrence.
// Never inserts an AlarmEvent row (spec.md §4.G "Acknowledgement").
func (db *DB) Acknowledge(ctx context.Context, occurrenceID int64, acknowledged bool, userID *int64, note string) (OccurrenceRow, error) {
	var occ OccurrenceRow
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var metaJSON []byte
		row := tx.QueryRowContext(ctx, `SELECT meta FROM alarm_occurrences WHERE id = $1 FOR UPDATE`, occurrenceID)
		if err := row.Scan(&metaJSON); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("store: load occurrence for ack: %w", err)
		}
		meta := map[string]any{}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &meta)
		}
		if note != "" {
			meta["ack_note"] = note
		}
		mergedMeta, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("store: marshal ack meta: %w", err)
		}

		var ackAt any
		var ackUID any
		if acknowledged {
			now := time.Now().UTC()
			ackAt = now
			if userID != nil {
				ackUID = *userID
			}
		}

		row2 := tx.QueryRowContext(ctx, `
			UPDATE alarm_occurrences SET acknowledged = $1, acknowledged_at = $2, acknowledged_by = $3, meta = $4
			WHERE id = $5
			RETURNING id, source, key, datapoint_id, state, severity, message, value,
			          warning_threshold, alarm_threshold, first_seen, last_seen, cleared_at,
			          is_active, acknowledged, acknowledged_at, acknowledged_by, meta`,
			acknowledged, ackAt, ackUID, mergedMeta, occurrenceID)
		var clearedAt, ackAtOut sql.NullTime
		var ackUIDOut, dpID sql.NullInt64
		var value, warn, alarm sql.NullFloat64
		var metaOut []byte
		if err := row2.Scan(
			&occ.ID, &occ.Source, &occ.Key, &dpID, &occ.State, &occ.Severity, &occ.Message,
			&value, &warn, &alarm, &occ.FirstSeen, &occ.LastSeen, &clearedAt,
			&occ.IsActive, &occ.Acknowledged, &ackAtOut, &ackUIDOut, &metaOut,
		); err != nil {
			return fmt.Errorf("store: update occurrence ack: %w", err)
		}
		if dpID.Valid {
			v := dpID.Int64
			occ.DataPointID = &v
		}
		if value.Valid {
			v := value.Float64
			occ.Value = &v
		}
		if warn.Valid {
			v := warn.Float64
			occ.WarningThreshold = &v
		}
		if alarm.Valid {
			v := alarm.Float64
			occ.AlarmThreshold = &v
		}
		if clearedAt.Valid {
			v := clearedAt.Time
			occ.ClearedAt = &v
		}
		if ackAtOut.Valid {
			v := ackAtOut.Time
			occ.AcknowledgedAt = &v
		}
		if ackUIDOut.Valid {
			v := ackUIDOut.Int64
			occ.AcknowledgedByUID = &v
		}
		if len(metaOut) > 0 {
			_ = json.Unmarshal(metaOut, &occ.Meta)
		}
		return nil
	})
	return occ, err
}

// GetOccurrence loads a single occurrence by id.
func (db *DB) GetOccurrence(ctx context.Context, id int64) (OccurrenceRow, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, source, key, datapoint_id, state, severity, message, value,
		       warning_threshold, alarm_threshold, first_seen, last_seen, cleared_at,
		       is_active, acknowledged, acknowledged_at, acknowledged_by, meta
		FROM alarm_occurrences WHERE id = $1`, id)
	return scanOccurrenceRow(row)
}

func scanOccurrenceRow(row *sql.Row) (OccurrenceRow, error) {
	var occ OccurrenceRow
	var clearedAt, ackAt sql.NullTime
	var ackUID, dpID sql.NullInt64
	var value, warn, alarm sql.NullFloat64
	var metaJSON []byte
	if err := row.Scan(
		&occ.ID, &occ.Source, &occ.Key, &dpID, &occ.State, &occ.Severity, &occ.Message,
		&value, &warn, &alarm, &occ.FirstSeen, &occ.LastSeen, &clearedAt,
		&occ.IsActive, &occ.Acknowledged, &ackAt, &ackUID, &metaJSON,
	); err != nil {
		if err == sql.ErrNoRows {
			return OccurrenceRow{}, ErrNotFound
		}
		return OccurrenceRow{}, fmt.Errorf("store: scan occurrence: %w", err)
	}
	if dpID.Valid {
		v := dpID.Int64
		occ.DataPointID = &v
	}
	if value.Valid {
		v := value.Float64
		occ.Value = &v
	}
	if warn.Valid {
		v := warn.Float64
		occ.WarningThreshold = &v
	}
	if alarm.Valid {
		v := alarm.Float64
		occ.AlarmThreshold = &v
	}
	if clearedAt.Valid {
		v := clearedAt.Time
		occ.ClearedAt = &v
	}
	if ackAt.Valid {
		v := ackAt.Time
		occ.AcknowledgedAt = &v
	}
	if ackUID.Valid {
		v := ackUID.Int64
		occ.AcknowledgedByUID = &v
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &occ.Meta)
	}
	return occ, nil
}

// ListActiveOccurrences returns every occurrence with is_active=true,
// most recently seen first — the restart-safe snapshot of spec.md
// §4.G "Active snapshot".
func (db *DB) ListActiveOccurrences(ctx context.Context) ([]OccurrenceRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source, key, datapoint_id, state, severity, message, value,
		       warning_threshold, alarm_threshold, first_seen, last_seen, cleared_at,
		       is_active, acknowledged, acknowledged_at, acknowledged_by, meta
		FROM alarm_occurrences WHERE is_active = true ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list active occurrences: %w", err)
	}
	defer rows.Close()

	var out []OccurrenceRow
	for rows.Next() {
		var occ OccurrenceRow
		var clearedAt, ackAt sql.NullTime
		var ackUID, dpID sql.NullInt64
		var value, warn, alarm sql.NullFloat64
		var metaJSON []byte
		if err := rows.Scan(
			&occ.ID, &occ.Source, &occ.Key, &dpID, &occ.State, &occ.Severity, &occ.Message,
			&value, &warn, &alarm, &occ.FirstSeen, &occ.LastSeen, &clearedAt,
			&occ.IsActive, &occ.Acknowledged, &ackAt, &ackUID, &metaJSON,
		); err != nil {
			return nil, fmt.Errorf("store: scan active occurrence: %w", err)
		}
		if dpID.Valid {
			v := dpID.Int64
			occ.DataPointID = &v
		}
		if value.Valid {
			v := value.Float64
			occ.Value = &v
		}
		if warn.Valid {
			v := warn.Float64
			occ.WarningThreshold = &v
		}
		if alarm.Valid {
			v := alarm.Float64
			occ.AlarmThreshold = &v
		}
		if clearedAt.Valid {
			v := clearedAt.Time
			occ.ClearedAt = &v
		}
		if ackAt.Valid {
			v := ackAt.Time
			occ.AcknowledgedAt = &v
		}
		if ackUID.Valid {
			v := ackUID.Int64
			occ.AcknowledgedByUID = &v
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &occ.Meta)
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

// AlarmHistoryFilters narrows QueryHistory.
type AlarmHistoryFilters struct {
	OccurrenceID *int64
	Source       string
	Limit        int
}

// QueryHistory returns AlarmEvent rows, most recent first.
func (db *DB) QueryHistory(ctx context.Context, f AlarmHistoryFilters) ([]EventRow, error) {
	query := `SELECT id, occurrence_id, ts, prev_state, new_state, severity, message, value, meta FROM alarm_events WHERE 1=1`
	var args []any
	n := 0
	addArg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.OccurrenceID != nil {
		query += " AND occurrence_id = " + addArg(*f.OccurrenceID)
	}
	if f.Source != "" {
		query += " AND occurrence_id IN (SELECT id FROM alarm_occurrences WHERE source = " + addArg(f.Source) + ")"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " ORDER BY ts DESC LIMIT " + addArg(limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query alarm history: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var value sql.NullFloat64
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.OccurrenceID, &e.TS, &e.PrevState, &e.NewState, &e.Severity, &e.Message, &value, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan alarm event: %w", err)
		}
		if value.Valid {
			v := value.Float64
			e.Value = &v
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &e.Meta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
