package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CommandRow is the persisted row behind a Command (spec.md §3). The
// row id is the internal primary key the executor queue threads
// through; CommandID is the externally visible string handed back to
// callers of Command Service's create operation.
type CommandRow struct {
	RowID        int64
	CommandID    string
	PLCName      string
	DataPointRef string
	Kind         string
	Payload      map[string]any
	Status       string
	Attempts     int
	Error        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	UserID       *int64
	ClientIP     *string
}

// CommandEventRow is one append-only lifecycle event (spec.md §3).
type CommandEventRow struct {
	ID        int64
	RowID     int64
	TS        time.Time
	Status    string
	Message   *string
	Meta      map[string]any
}

// InsertCommand persists a new Command in status "queued" plus its
// first CommandEvent, inside a single transaction so a reader never
// observes a command without at least one event (spec.md §8
// "quantified invariants").
func (db *DB) InsertCommand(ctx context.Context, row CommandRow, rateRemaining int) (CommandRow, error) {
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		payloadJSON, err := json.Marshal(row.Payload)
		if err != nil {
			return fmt.Errorf("store: marshal command payload: %w", err)
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO commands (command_id, plc_name, datapoint_ref, kind, payload, status, attempts, user_id, client_ip, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, now(), now())
			RETURNING id, created_at, updated_at`,
			row.CommandID, row.PLCName, row.DataPointRef, row.Kind, payloadJSON, row.UserID, row.ClientIP,
		).Scan(&row.RowID, &row.CreatedAt, &row.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: insert command: %w", err)
		}
		row.Status = "queued"

		metaJSON, err := json.Marshal(map[string]any{"rate_remaining": rateRemaining})
		if err != nil {
			return fmt.Errorf("store: marshal command event meta: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO command_events (command_row_id, ts, status, message, meta)
			VALUES ($1, now(), 'queued', NULL, $2)`, row.RowID, metaJSON)
		if err != nil {
			return fmt.Errorf("store: insert command event: %w", err)
		}
		return nil
	})
	return row, err
}

// AddCommandEvent appends one lifecycle event row for an existing
// command. Used by the executor on every status transition.
func (db *DB) AddCommandEvent(ctx context.Context, tx *sql.Tx, rowID int64, status string, message *string, meta map[string]any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal command event meta: %w", err)
	}
	exec := func(q string, args ...any) error {
		if tx != nil {
			_, err := tx.ExecContext(ctx, q, args...)
			return err
		}
		_, err := db.ExecContext(ctx, q, args...)
		return err
	}
	if err := exec(`
		INSERT INTO command_events (command_row_id, ts, status, message, meta)
		VALUES ($1, now(), $2, $3, $4)`, rowID, status, message, metaJSON); err != nil {
		return fmt.Errorf("store: insert command event: %w", err)
	}
	return nil
}

func scanCommandRow(row *sql.Row) (CommandRow, error) {
	var c CommandRow
	var payloadJSON []byte
	var errMsg sql.NullString
	var userID sql.NullInt64
	var clientIP sql.NullString
	if err := row.Scan(
		&c.RowID, &c.CommandID, &c.PLCName, &c.DataPointRef, &c.Kind, &payloadJSON,
		&c.Status, &c.Attempts, &errMsg, &userID, &clientIP, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return CommandRow{}, ErrNotFound
		}
		return CommandRow{}, fmt.Errorf("store: scan command: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
			return CommandRow{}, fmt.Errorf("store: unmarshal command payload: %w", err)
		}
	}
	if errMsg.Valid {
		v := errMsg.String
		c.Error = &v
	}
	if userID.Valid {
		v := userID.Int64
		c.UserID = &v
	}
	if clientIP.Valid {
		v := clientIP.String
		c.ClientIP = &v
	}
	return c, nil
}

const commandSelectCols = `id, command_id, plc_name, datapoint_ref, kind, payload, status, attempts, error_message, user_id, client_ip, created_at, updated_at`

// GetCommandByRowID loads a command by its internal primary key, used
// by the executor to reload state between retries.
func (db *DB) GetCommandByRowID(ctx context.Context, rowID int64) (CommandRow, error) {
	row := db.QueryRowContext(ctx, `SELECT `+commandSelectCols+` FROM commands WHERE id = $1`, rowID)
	return scanCommandRow(row)
}

// GetCommandByCommandID loads a command by its external string id,
// used by GetCommand/CancelCommand (spec.md §6).
func (db *DB) GetCommandByCommandID(ctx context.Context, commandID string) (CommandRow, error) {
	row := db.QueryRowContext(ctx, `SELECT `+commandSelectCols+` FROM commands WHERE command_id = $1`, commandID)
	return scanCommandRow(row)
}

// SetCommandStatus transitions a command's status (and attempts/error
// fields) inside tx, stamping updated_at.
func (db *DB) SetCommandStatus(ctx context.Context, tx *sql.Tx, rowID int64, status string, attempts int, errMsg *string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE commands SET status = $1, attempts = $2, error_message = $3, updated_at = now()
		WHERE id = $4`, status, attempts, errMsg, rowID)
	if err != nil {
		return fmt.Errorf("store: update command status: %w", err)
	}
	return nil
}

// CancelIfQueued transitions a queued command to cancelled, returning
// the resulting status. If the command is not queued, it is a no-op
// that returns the current status (spec.md §4.F "Cancellation").
func (db *DB) CancelIfQueued(ctx context.Context, commandID string) (string, error) {
	var status string
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id, status FROM commands WHERE command_id = $1 FOR UPDATE`, commandID)
		var rowID int64
		if err := row.Scan(&rowID, &status); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("store: load command for cancel: %w", err)
		}
		if status != "queued" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE commands SET status = 'cancelled', updated_at = now() WHERE id = $1`, rowID); err != nil {
			return fmt.Errorf("store: cancel command: %w", err)
		}
		if err := db.AddCommandEvent(ctx, tx, rowID, "cancelled", nil, nil); err != nil {
			return err
		}
		status = "cancelled"
		return nil
	})
	return status, err
}

// ListCommandEvents returns every event for a command, ascending by
// ts, for GetCommand timelines.
func (db *DB) ListCommandEvents(ctx context.Context, rowID int64) ([]CommandEventRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, command_row_id, ts, status, message, meta
		FROM command_events WHERE command_row_id = $1 ORDER BY ts ASC, id ASC`, rowID)
	if err != nil {
		return nil, fmt.Errorf("store: list command events: %w", err)
	}
	defer rows.Close()

	var out []CommandEventRow
	for rows.Next() {
		var e CommandEventRow
		var message sql.NullString
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RowID, &e.TS, &e.Status, &message, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan command event: %w", err)
		}
		if message.Valid {
			v := message.String
			e.Message = &v
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
				return nil, fmt.Errorf("store: unmarshal command event meta: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CommandFilters narrows ListCommands; zero values mean "no filter".
type CommandFilters struct {
	PLCName string
	Status  string
	UserID  *int64
	Limit   int
}

// ListCommands returns commands matching filters, most recent first.
func (db *DB) ListCommands(ctx context.Context, f CommandFilters) ([]CommandRow, error) {
	query := `SELECT ` + commandSelectCols + ` FROM commands WHERE 1=1`
	var args []any
	n := 0
	addArg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.PLCName != "" {
		query += " AND plc_name = " + addArg(f.PLCName)
	}
	if f.Status != "" {
		query += " AND status = " + addArg(f.Status)
	}
	if f.UserID != nil {
		query += " AND user_id = " + addArg(*f.UserID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " ORDER BY created_at DESC LIMIT " + addArg(limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var c CommandRow
		var payloadJSON []byte
		var errMsg sql.NullString
		var userID sql.NullInt64
		var clientIP sql.NullString
		if err := rows.Scan(
			&c.RowID, &c.CommandID, &c.PLCName, &c.DataPointRef, &c.Kind, &payloadJSON,
			&c.Status, &c.Attempts, &errMsg, &userID, &clientIP, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan command: %w", err)
		}
		if len(payloadJSON) > 0 {
			_ = json.Unmarshal(payloadJSON, &c.Payload)
		}
		if errMsg.Valid {
			v := errMsg.String
			c.Error = &v
		}
		if userID.Valid {
			v := userID.Int64
			c.UserID = &v
		}
		if clientIP.Valid {
			v := clientIP.String
			c.ClientIP = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
