// Package access computes effective read/write sets over the
// configuration tree for a principal (spec.md §4.H): the set algebra
// that filters every read and authorizes every command/subscription.
//
// Grounded line-for-line on
// original_source/sunny_scada/services/access_control_service.py's
// _effective_access_from_grants.
package access

import (
	"github.com/sunnyfields/scada-core/internal/core"
)

// idSet is a small set-of-int64 helper; plain maps throughout keep the
// algorithm readable and match the Python set() idiom it's grounded on.
type idSet map[int64]struct{}

func (s idSet) add(id int64)          { s[id] = struct{}{} }
func (s idSet) has(id int64) bool     { _, ok := s[id]; return ok }
func (s idSet) addAll(o idSet)        { for id := range o { s[id] = struct{}{} } }
func (s idSet) ids() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// EffectiveAccess is the four read/write set pairs computed for one
// principal (spec.md §4.H).
type EffectiveAccess struct {
	readPLC, writePLC             idSet
	readContainer, writeContainer idSet
	readEquipment, writeEquipment idSet
	readDataPoint, writeDataPoint idSet
}

func empty() *EffectiveAccess {
	return &EffectiveAccess{
		readPLC: idSet{}, writePLC: idSet{},
		readContainer: idSet{}, writeContainer: idSet{},
		readEquipment: idSet{}, writeEquipment: idSet{},
		readDataPoint: idSet{}, writeDataPoint: idSet{},
	}
}

// CanRead/CanWrite are the O(1) set-lookup query contract of spec.md
// §4.H.
func (ea *EffectiveAccess) CanRead(resourceType core.GrantResourceType, id int64) bool {
	switch resourceType {
	case core.ResourcePLC:
		return ea.readPLC.has(id)
	case core.ResourceContainer:
		return ea.readContainer.has(id)
	case core.ResourceEquipment:
		return ea.readEquipment.has(id)
	case core.ResourceDataPoint:
		return ea.readDataPoint.has(id)
	}
	return false
}

func (ea *EffectiveAccess) CanWrite(resourceType core.GrantResourceType, id int64) bool {
	switch resourceType {
	case core.ResourcePLC:
		return ea.writePLC.has(id)
	case core.ResourceContainer:
		return ea.writeContainer.has(id)
	case core.ResourceEquipment:
		return ea.writeEquipment.has(id)
	case core.ResourceDataPoint:
		return ea.writeDataPoint.has(id)
	}
	return false
}

// ReadPLCIDs and friends expose the raw sets for callers that need to
// enumerate rather than point-query (e.g. listing PLCs a principal may
// navigate to).
func (ea *EffectiveAccess) ReadPLCIDs() []int64        { return ea.readPLC.ids() }
func (ea *EffectiveAccess) ReadContainerIDs() []int64  { return ea.readContainer.ids() }
func (ea *EffectiveAccess) ReadEquipmentIDs() []int64  { return ea.readEquipment.ids() }
func (ea *EffectiveAccess) ReadDataPointIDs() []int64  { return ea.readDataPoint.ids() }
func (ea *EffectiveAccess) WriteDataPointIDs() []int64 { return ea.writeDataPoint.ids() }

// Compute runs the spec.md §4.H algorithm over a pre-filtered grant
// list: direct target + descendant cascade, write-implies-read, then
// the ancestor-escalation fixed-point closure for navigation.
func Compute(tree *core.Tree, grants []core.Grant) *EffectiveAccess {
	ea := empty()

	containersByPLC := map[int64]idSet{}
	containerToPLC := map[int64]int64{}
	for id, c := range tree.Containers {
		containerToPLC[id] = c.PLCID
		if containersByPLC[c.PLCID] == nil {
			containersByPLC[c.PLCID] = idSet{}
		}
		containersByPLC[c.PLCID].add(id)
	}

	equipmentByContainer := map[int64]idSet{}
	equipmentToContainer := map[int64]int64{}
	for id, e := range tree.Equipment {
		equipmentToContainer[id] = e.ContainerID
		if equipmentByContainer[e.ContainerID] == nil {
			equipmentByContainer[e.ContainerID] = idSet{}
		}
		equipmentByContainer[e.ContainerID].add(id)
	}

	type ownerKey struct {
		kind core.OwnerKind
		id   int64
	}
	dataPointsByOwner := map[ownerKey]idSet{}
	dpToOwner := map[int64]ownerKey{}
	for id, dp := range tree.DataPoints {
		k := ownerKey{dp.OwnerKind, dp.OwnerID}
		if dataPointsByOwner[k] == nil {
			dataPointsByOwner[k] = idSet{}
		}
		dataPointsByOwner[k].add(id)
		dpToOwner[id] = k
	}

	addIDs := func(read, write idSet, ids idSet, level core.GrantLevel) {
		for id := range ids {
			read.add(id)
			if level == core.LevelWrite {
				write.add(id)
			}
		}
	}
	single := func(id int64) idSet { return idSet{id: struct{}{}} }

	for _, g := range grants {
		switch g.ResourceType {
		case core.ResourcePLC:
			addIDs(ea.readPLC, ea.writePLC, single(g.ResourceID), g.Level)
			if g.IncludeDescendants {
				cIDs := containersByPLC[g.ResourceID]
				addIDs(ea.readContainer, ea.writeContainer, cIDs, g.Level)

				eIDs := idSet{}
				for cID := range cIDs {
					eIDs.addAll(equipmentByContainer[cID])
				}
				addIDs(ea.readEquipment, ea.writeEquipment, eIDs, g.Level)

				dpIDs := idSet{}
				dpIDs.addAll(dataPointsByOwner[ownerKey{core.OwnerPLC, g.ResourceID}])
				for cID := range cIDs {
					dpIDs.addAll(dataPointsByOwner[ownerKey{core.OwnerContainer, cID}])
				}
				for eID := range eIDs {
					dpIDs.addAll(dataPointsByOwner[ownerKey{core.OwnerEquipment, eID}])
				}
				addIDs(ea.readDataPoint, ea.writeDataPoint, dpIDs, g.Level)
			}

		case core.ResourceContainer:
			addIDs(ea.readContainer, ea.writeContainer, single(g.ResourceID), g.Level)
			if g.IncludeDescendants {
				eIDs := equipmentByContainer[g.ResourceID]
				addIDs(ea.readEquipment, ea.writeEquipment, eIDs, g.Level)

				dpIDs := idSet{}
				dpIDs.addAll(dataPointsByOwner[ownerKey{core.OwnerContainer, g.ResourceID}])
				for eID := range eIDs {
					dpIDs.addAll(dataPointsByOwner[ownerKey{core.OwnerEquipment, eID}])
				}
				addIDs(ea.readDataPoint, ea.writeDataPoint, dpIDs, g.Level)
			}

		case core.ResourceEquipment:
			addIDs(ea.readEquipment, ea.writeEquipment, single(g.ResourceID), g.Level)
			if g.IncludeDescendants {
				dpIDs := dataPointsByOwner[ownerKey{core.OwnerEquipment, g.ResourceID}]
				addIDs(ea.readDataPoint, ea.writeDataPoint, dpIDs, g.Level)
			}

		case core.ResourceDataPoint:
			addIDs(ea.readDataPoint, ea.writeDataPoint, single(g.ResourceID), g.Level)
		}
	}

	// write implies read
	ea.readPLC.addAll(ea.writePLC)
	ea.readContainer.addAll(ea.writeContainer)
	ea.readEquipment.addAll(ea.writeEquipment)
	ea.readDataPoint.addAll(ea.writeDataPoint)

	// Ancestor escalation: fixed-point closure upward for navigation.
	for changed := true; changed; {
		changed = false
		for cID := range ea.readContainer {
			if plcID, ok := containerToPLC[cID]; ok && !ea.readPLC.has(plcID) {
				ea.readPLC.add(plcID)
				changed = true
			}
		}
		for eID := range ea.readEquipment {
			if cID, ok := equipmentToContainer[eID]; ok && !ea.readContainer.has(cID) {
				ea.readContainer.add(cID)
				changed = true
			}
		}
		for dpID := range ea.readDataPoint {
			owner, ok := dpToOwner[dpID]
			if !ok {
				continue
			}
			switch owner.kind {
			case core.OwnerPLC:
				if !ea.readPLC.has(owner.id) {
					ea.readPLC.add(owner.id)
					changed = true
				}
			case core.OwnerContainer:
				if !ea.readContainer.has(owner.id) {
					ea.readContainer.add(owner.id)
					changed = true
				}
			case core.OwnerEquipment:
				if !ea.readEquipment.has(owner.id) {
					ea.readEquipment.add(owner.id)
					changed = true
				}
			}
		}
	}

	return ea
}

// AllAccess returns an EffectiveAccess that reads/writes every node in
// tree — used for the admin-bypass principal (spec.md §4.H).
func AllAccess(tree *core.Tree) *EffectiveAccess {
	ea := empty()
	for id := range tree.PLCs {
		ea.readPLC.add(id)
		ea.writePLC.add(id)
	}
	for id := range tree.Containers {
		ea.readContainer.add(id)
		ea.writeContainer.add(id)
	}
	for id := range tree.Equipment {
		ea.readEquipment.add(id)
		ea.writeEquipment.add(id)
	}
	for id := range tree.DataPoints {
		ea.readDataPoint.add(id)
		ea.writeDataPoint.add(id)
	}
	return ea
}
