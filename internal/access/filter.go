package access

import (
	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/snapshot"
)

// FilteredPLC is one PLC's snapshot after access filtering, the shape
// returned by a tree-listing read (spec.md §4.H: "Listing a tree
// filters empty branches").
type FilteredPLC struct {
	Name      string
	Timestamp snapshot.PLCSnapshot
	Tree      map[string]*snapshot.Node
}

// FilterSnapshots reduces every PLC's live snapshot to the nodes
// reachable by dataPointIDs the principal may read, dropping PLCs the
// principal can't read at all and pruning any branch left with no
// leaves (spec.md §4.H's query contract, applied to §4.C's tree
// shape). admin bypass is handled by the caller passing
// AllAccess(tree) as access.
func FilterSnapshots(tree *core.Tree, access *EffectiveAccess, snapshots map[string]snapshot.PLCSnapshot) []FilteredPLC {
	nameToID := make(map[string]int64, len(tree.PLCs))
	for id, p := range tree.PLCs {
		nameToID[p.Name] = id
	}

	out := make([]FilteredPLC, 0, len(snapshots))
	for name, snap := range snapshots {
		plcID, ok := nameToID[name]
		if !ok || !access.CanRead(core.ResourcePLC, plcID) {
			continue
		}
		filteredTree := filterChildren(snap.Tree, access)
		out = append(out, FilteredPLC{Name: name, Timestamp: snap, Tree: filteredTree})
	}
	return out
}

// filterChildren recurses through a map of sibling nodes, keeping only
// leaves the principal may read and branches that still have content
// after filtering.
func filterChildren(children map[string]*snapshot.Node, access *EffectiveAccess) map[string]*snapshot.Node {
	out := map[string]*snapshot.Node{}
	for name, node := range children {
		filtered := filterNode(node, access)
		if filtered != nil {
			out[name] = filtered
		}
	}
	return out
}

func filterNode(node *snapshot.Node, access *EffectiveAccess) *snapshot.Node {
	if node == nil {
		return nil
	}
	if node.Leaf != nil {
		if !access.CanRead(core.ResourceDataPoint, node.Leaf.DataPointID) {
			return nil
		}
		return node
	}
	children := filterChildren(node.Children, access)
	if len(children) == 0 {
		return nil
	}
	return &snapshot.Node{Children: children}
}
