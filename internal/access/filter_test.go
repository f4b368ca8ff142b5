package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/snapshot"
)

func buildTestSnapshot() map[string]snapshot.PLCSnapshot {
	return map[string]snapshot.PLCSnapshot{
		"plc-a": {
			Tree: map[string]*snapshot.Node{
				"c10": {
					Children: map[string]*snapshot.Node{
						"e100": {
							Children: map[string]*snapshot.Node{
								"dp1000": {Leaf: &snapshot.Leaf{Kind: snapshot.LeafInteger, DataPointID: 1000}},
								"dp1000b": {Leaf: &snapshot.Leaf{Kind: snapshot.LeafInteger, DataPointID: 1001}},
							},
						},
					},
				},
			},
		},
		"plc-b": {
			Tree: map[string]*snapshot.Node{
				"dp1002": {Leaf: &snapshot.Leaf{Kind: snapshot.LeafInteger, DataPointID: 1002}},
			},
		},
	}
}

func TestFilterSnapshots_DropsUnreadablePLC(t *testing.T) {
	tree := buildTestTree()
	access := Compute(tree, []core.Grant{
		{ResourceType: core.ResourceDataPoint, ResourceID: 1000, Level: core.LevelRead},
	})
	snaps := buildTestSnapshot()

	filtered := FilterSnapshots(tree, access, snaps)
	require.Len(t, filtered, 1)
	assert.Equal(t, "plc-a", filtered[0].Name)
}

func TestFilterSnapshots_PrunesUnreadableLeafButKeepsSibling(t *testing.T) {
	tree := buildTestTree()
	access := Compute(tree, []core.Grant{
		{ResourceType: core.ResourceDataPoint, ResourceID: 1000, Level: core.LevelRead},
	})
	snaps := buildTestSnapshot()

	filtered := FilterSnapshots(tree, access, snaps)
	require.Len(t, filtered, 1)

	c10 := filtered[0].Tree["c10"]
	require.NotNil(t, c10)
	e100 := c10.Children["e100"]
	require.NotNil(t, e100)
	assert.Contains(t, e100.Children, "dp1000")
	assert.NotContains(t, e100.Children, "dp1000b", "sibling datapoint without a grant must be pruned")
}

func TestFilterSnapshots_PrunesEmptyBranchEntirely(t *testing.T) {
	tree := buildTestTree()
	access := Compute(tree, nil) // no grants at all
	snaps := buildTestSnapshot()

	filtered := FilterSnapshots(tree, access, snaps)
	assert.Len(t, filtered, 0, "no readable PLCs means no filtered output at all")
}

func TestFilterSnapshots_AllAccessKeepsEverything(t *testing.T) {
	tree := buildTestTree()
	access := AllAccess(tree)
	snaps := buildTestSnapshot()

	filtered := FilterSnapshots(tree, access, snaps)
	require.Len(t, filtered, 2)
}
