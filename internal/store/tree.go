package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sunnyfields/scada-core/internal/core"
)

// LoadTree reads the full configuration tree (spec.md §3): every PLC,
// Container, Equipment, DataPoint and DataPointBit row. Called by
// TreeCache.Refresh.
func (db *DB) LoadTree(ctx context.Context) (*core.Tree, error) {
	tree := &core.Tree{
		PLCs:       map[int64]core.PLC{},
		Containers: map[int64]core.Container{},
		Equipment:  map[int64]core.Equipment{},
		DataPoints: map[int64]core.DataPoint{},
		Bits:       map[int64][]core.DataPointBit{},
	}

	plcRows, err := db.QueryContext(ctx, `SELECT id, name, address, port FROM cfg_plc`)
	if err != nil {
		return nil, fmt.Errorf("store: load plcs: %w", err)
	}
	defer plcRows.Close()
	for plcRows.Next() {
		var p core.PLC
		if err := plcRows.Scan(&p.ID, &p.Name, &p.Address, &p.Port); err != nil {
			return nil, fmt.Errorf("store: scan plc: %w", err)
		}
		tree.PLCs[p.ID] = p
	}
	if err := plcRows.Err(); err != nil {
		return nil, fmt.Errorf("store: load plcs: %w", err)
	}

	containerRows, err := db.QueryContext(ctx, `SELECT id, plc_id, name, type FROM cfg_container`)
	if err != nil {
		return nil, fmt.Errorf("store: load containers: %w", err)
	}
	defer containerRows.Close()
	for containerRows.Next() {
		var c core.Container
		if err := containerRows.Scan(&c.ID, &c.PLCID, &c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("store: scan container: %w", err)
		}
		tree.Containers[c.ID] = c
	}
	if err := containerRows.Err(); err != nil {
		return nil, fmt.Errorf("store: load containers: %w", err)
	}

	equipRows, err := db.QueryContext(ctx, `SELECT id, container_id, name, type FROM cfg_equipment`)
	if err != nil {
		return nil, fmt.Errorf("store: load equipment: %w", err)
	}
	defer equipRows.Close()
	for equipRows.Next() {
		var e core.Equipment
		if err := equipRows.Scan(&e.ID, &e.ContainerID, &e.Name, &e.Type); err != nil {
			return nil, fmt.Errorf("store: scan equipment: %w", err)
		}
		tree.Equipment[e.ID] = e
	}
	if err := equipRows.Err(); err != nil {
		return nil, fmt.Errorf("store: load equipment: %w", err)
	}

	dpRows, err := db.QueryContext(ctx, `
		SELECT id, owner_type, owner_id, label, description, category, type,
		       address, multiplier, "group", class, unit,
		       raw_zero, raw_full, eng_zero, eng_full
		FROM cfg_data_point`)
	if err != nil {
		return nil, fmt.Errorf("store: load datapoints: %w", err)
	}
	defer dpRows.Close()
	for dpRows.Next() {
		var dp core.DataPoint
		var description, group, class, unit sql.NullString
		var rawZero, rawFull, engZero, engFull sql.NullFloat64
		if err := dpRows.Scan(
			&dp.ID, &dp.OwnerKind, &dp.OwnerID, &dp.Label, &description,
			&dp.Category, &dp.Type, &dp.Address, &dp.Multiplier,
			&group, &class, &unit,
			&rawZero, &rawFull, &engZero, &engFull,
		); err != nil {
			return nil, fmt.Errorf("store: scan datapoint: %w", err)
		}
		dp.Description = description.String
		dp.Group = group.String
		dp.Class = class.String
		dp.Unit = unit.String
		if dp.Multiplier == 0 {
			dp.Multiplier = 1.0
		}
		dp.RawZero, dp.RawFull, dp.EngZero, dp.EngFull = rescaleFields(rawZero, rawFull, engZero, engFull)
		tree.DataPoints[dp.ID] = dp
	}
	if err := dpRows.Err(); err != nil {
		return nil, fmt.Errorf("store: load datapoints: %w", err)
	}

	bitRows, err := db.QueryContext(ctx, `SELECT id, data_point_id, bit, label FROM cfg_data_point_bit`)
	if err != nil {
		return nil, fmt.Errorf("store: load datapoint bits: %w", err)
	}
	defer bitRows.Close()
	for bitRows.Next() {
		var b core.DataPointBit
		if err := bitRows.Scan(&b.ID, &b.DataPointID, &b.Bit, &b.Label); err != nil {
			return nil, fmt.Errorf("store: scan datapoint bit: %w", err)
		}
		tree.Bits[b.DataPointID] = append(tree.Bits[b.DataPointID], b)
	}
	if err := bitRows.Err(); err != nil {
		return nil, fmt.Errorf("store: load datapoint bits: %w", err)
	}

	return tree, nil
}

// GetDataPoint loads a single datapoint by id. The Command Service's
// validation pipeline resolves datapoints from the cached tree, not
// through this function.
func (db *DB) GetDataPoint(ctx context.Context, id int64) (core.DataPoint, []core.DataPointBit, error) {
	var dp core.DataPoint
	var description, group, class, unit sql.NullString
	var rawZero, rawFull, engZero, engFull sql.NullFloat64
	row := db.QueryRowContext(ctx, `
		SELECT id, owner_type, owner_id, label, description, category, type,
		       address, multiplier, "group", class, unit,
		       raw_zero, raw_full, eng_zero, eng_full
		FROM cfg_data_point WHERE id = $1`, id)
	if err := row.Scan(
		&dp.ID, &dp.OwnerKind, &dp.OwnerID, &dp.Label, &description,
		&dp.Category, &dp.Type, &dp.Address, &dp.Multiplier,
		&group, &class, &unit,
		&rawZero, &rawFull, &engZero, &engFull,
	); err != nil {
		if err == sql.ErrNoRows {
			return core.DataPoint{}, nil, ErrNotFound
		}
		return core.DataPoint{}, nil, fmt.Errorf("store: get datapoint %d: %w", id, err)
	}
	dp.Description = description.String
	dp.Group = group.String
	dp.Class = class.String
	dp.Unit = unit.String
	if dp.Multiplier == 0 {
		dp.Multiplier = 1.0
	}
	dp.RawZero, dp.RawFull, dp.EngZero, dp.EngFull = rescaleFields(rawZero, rawFull, engZero, engFull)

	bitRows, err := db.QueryContext(ctx, `SELECT id, data_point_id, bit, label FROM cfg_data_point_bit WHERE data_point_id = $1`, id)
	if err != nil {
		return dp, nil, fmt.Errorf("store: get datapoint bits %d: %w", id, err)
	}
	defer bitRows.Close()
	var bits []core.DataPointBit
	for bitRows.Next() {
		var b core.DataPointBit
		if err := bitRows.Scan(&b.ID, &b.DataPointID, &b.Bit, &b.Label); err != nil {
			return dp, nil, fmt.Errorf("store: scan datapoint bit: %w", err)
		}
		bits = append(bits, b)
	}
	return dp, bits, nil
}

// LoadGrants loads every Grant belonging to the given role ids or the
// given user id (role grants union user grants), per spec.md §4.H step 1.
func (db *DB) LoadGrants(ctx context.Context, roleIDs []int64, userID *int64) ([]core.Grant, error) {
	var rows *sql.Rows
	var err error
	switch {
	case len(roleIDs) > 0 && userID != nil:
		rows, err = db.QueryContext(ctx, `
			SELECT id, role_id, user_id, resource_type, resource_id, level, include_descendants
			FROM cfg_access_grant WHERE role_id = ANY($1) OR user_id = $2`,
			pqInt64Array(roleIDs), *userID)
	case len(roleIDs) > 0:
		rows, err = db.QueryContext(ctx, `
			SELECT id, role_id, user_id, resource_type, resource_id, level, include_descendants
			FROM cfg_access_grant WHERE role_id = ANY($1)`, pqInt64Array(roleIDs))
	case userID != nil:
		rows, err = db.QueryContext(ctx, `
			SELECT id, role_id, user_id, resource_type, resource_id, level, include_descendants
			FROM cfg_access_grant WHERE user_id = $1`, *userID)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load grants: %w", err)
	}
	defer rows.Close()

	var grants []core.Grant
	for rows.Next() {
		var g core.Grant
		var roleID, uID sql.NullInt64
		if err := rows.Scan(&g.ID, &roleID, &uID, &g.ResourceType, &g.ResourceID, &g.Level, &g.IncludeDescendants); err != nil {
			return nil, fmt.Errorf("store: scan grant: %w", err)
		}
		if roleID.Valid {
			v := roleID.Int64
			g.RoleID = &v
		}
		if uID.Valid {
			v := uID.Int64
			g.UserID = &v
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// rescaleFields returns the four REAL rescale endpoints only when all
// four columns are non-null; a partially-configured row is treated as
// absent (identity rescale), per plc_reader.py's scale_value all-or-none
// check (spec.md §4.B).
func rescaleFields(rawZero, rawFull, engZero, engFull sql.NullFloat64) (rz, rf, ez, ef *float64) {
	if !rawZero.Valid || !rawFull.Valid || !engZero.Valid || !engFull.Valid {
		return nil, nil, nil, nil
	}
	return &rawZero.Float64, &rawFull.Float64, &engZero.Float64, &engFull.Float64
}
