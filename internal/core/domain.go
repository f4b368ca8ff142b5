// Package core holds the shared configuration-tree types that every
// subsystem reads: PLCs, their containers and equipment, datapoints and
// bit labels, and access grants.
package core

// OwnerKind identifies which level of the configuration tree a
// DataPoint or Grant resource belongs to.
type OwnerKind string

const (
	OwnerPLC       OwnerKind = "plc"
	OwnerContainer OwnerKind = "container"
	OwnerEquipment OwnerKind = "equipment"
)

// DataPointType is the Modbus decoding shape of a datapoint.
type DataPointType string

const (
	TypeInteger DataPointType = "INTEGER"
	TypeDigital DataPointType = "DIGITAL"
	TypeReal    DataPointType = "REAL"
)

// DataPointCategory controls whether a datapoint may be written.
type DataPointCategory string

const (
	CategoryRead  DataPointCategory = "read"
	CategoryWrite DataPointCategory = "write"
)

// PLC is the root of the configuration tree: one Modbus/TCP endpoint.
type PLC struct {
	ID      int64
	Name    string
	Address string
	Port    int
}

// Container groups equipment under a PLC (e.g. a skid or a building).
type Container struct {
	ID    int64
	PLCID int64
	Name  string
	Type  string
}

// Equipment groups datapoints under a container.
type Equipment struct {
	ID          int64
	ContainerID int64
	Name        string
	Type        string
}

// DataPoint is a single measurable or writable register binding.
type DataPoint struct {
	ID          int64
	OwnerKind   OwnerKind
	OwnerID     int64
	Label       string
	Description string
	Category    DataPointCategory
	Type        DataPointType
	Address     int // 4xxxx convention
	Multiplier  float64
	Group       string
	Class       string
	Unit        string

	// RawZero/RawFull/EngZero/EngFull are the optional REAL linear
	// rescale endpoints (spec.md §4.B). All four are nil unless all
	// four were configured; a partially-configured set is treated as
	// absent (identity rescale), matching plc_reader.py's all-or-none
	// scale_value check.
	RawZero *float64
	RawFull *float64
	EngZero *float64
	EngFull *float64
}

// DataPointBit labels an individual bit of a DIGITAL datapoint.
type DataPointBit struct {
	ID          int64
	DataPointID int64
	Bit         int
	Label       string
}

// GrantLevel is the access level conferred by a Grant.
type GrantLevel string

const (
	LevelRead  GrantLevel = "read"
	LevelWrite GrantLevel = "write"
)

// GrantResourceType is the kind of tree node a Grant targets.
type GrantResourceType string

const (
	ResourcePLC       GrantResourceType = "plc"
	ResourceContainer GrantResourceType = "container"
	ResourceEquipment GrantResourceType = "equipment"
	ResourceDataPoint GrantResourceType = "datapoint"
)

// Grant assigns a principal (role XOR user) access to a tree resource.
// Uniqueness is enforced by the store: one row per (principal, resource).
type Grant struct {
	ID                 int64
	RoleID             *int64
	UserID             *int64
	ResourceType       GrantResourceType
	ResourceID         int64
	Level              GrantLevel
	IncludeDescendants bool
}

// Tree bundles the flattened configuration tree used by Access Control
// and the Scan Planner: full entity maps keyed by id (each child carries
// its parent's id) plus the bit labels of each datapoint.
type Tree struct {
	PLCs       map[int64]PLC
	Containers map[int64]Container
	Equipment  map[int64]Equipment
	DataPoints map[int64]DataPoint
	Bits       map[int64][]DataPointBit // keyed by DataPointID
}

// ContainerPLC returns the owning PLC id for a container.
func (t *Tree) ContainerPLC(containerID int64) (int64, bool) {
	c, ok := t.Containers[containerID]
	if !ok {
		return 0, false
	}
	return c.PLCID, true
}

// EquipmentContainer returns the owning container id for equipment.
func (t *Tree) EquipmentContainer(equipmentID int64) (int64, bool) {
	e, ok := t.Equipment[equipmentID]
	if !ok {
		return 0, false
	}
	return e.ContainerID, true
}

// DataPointOwner returns the (kind, id) a datapoint is attached to.
func (t *Tree) DataPointOwner(dataPointID int64) (OwnerKind, int64, bool) {
	dp, ok := t.DataPoints[dataPointID]
	if !ok {
		return "", 0, false
	}
	return dp.OwnerKind, dp.OwnerID, true
}

// PLCDataPoints flattens the datapoint tree: every datapoint owned
// directly by the PLC or by any container/equipment beneath it.
// Grounded on original_source/sunny_scada/scan_plan.py's
// flatten_points, adapted from a nested-dict walk to a flat-map join
// since the Go configuration tree is relational, not nested YAML.
func (t *Tree) PLCDataPoints(plcID int64) []DataPoint {
	out := make([]DataPoint, 0)
	for _, dp := range t.DataPoints {
		switch dp.OwnerKind {
		case OwnerPLC:
			if dp.OwnerID == plcID {
				out = append(out, dp)
			}
		case OwnerContainer:
			if c, ok := t.Containers[dp.OwnerID]; ok && c.PLCID == plcID {
				out = append(out, dp)
			}
		case OwnerEquipment:
			if e, ok := t.Equipment[dp.OwnerID]; ok {
				if c, ok := t.Containers[e.ContainerID]; ok && c.PLCID == plcID {
					out = append(out, dp)
				}
			}
		}
	}
	return out
}
