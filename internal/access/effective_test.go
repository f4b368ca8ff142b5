package access

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sunnyfields/scada-core/internal/core"
)

// buildTestTree: PLC 1 > Container 10 > Equipment 100 > DataPoint 1000
// (leaf), plus a sibling DataPoint 1001 owned directly by Container 10
// and a sibling Container 20 with no grants anywhere near it.
func buildTestTree() *core.Tree {
	return &core.Tree{
		PLCs: map[int64]core.PLC{
			1: {ID: 1, Name: "plc-a"},
			2: {ID: 2, Name: "plc-b"},
		},
		Containers: map[int64]core.Container{
			10: {ID: 10, PLCID: 1, Name: "c10"},
			20: {ID: 20, PLCID: 2, Name: "c20"},
		},
		Equipment: map[int64]core.Equipment{
			100: {ID: 100, ContainerID: 10, Name: "e100"},
		},
		DataPoints: map[int64]core.DataPoint{
			1000: {ID: 1000, OwnerKind: core.OwnerEquipment, OwnerID: 100, Label: "dp1000"},
			1001: {ID: 1001, OwnerKind: core.OwnerContainer, OwnerID: 10, Label: "dp1001"},
			1002: {ID: 1002, OwnerKind: core.OwnerPLC, OwnerID: 2, Label: "dp1002"},
		},
	}
}

func TestCompute_DirectDataPointGrant_EscalatesAncestors(t *testing.T) {
	tree := buildTestTree()
	grants := []core.Grant{
		{ResourceType: core.ResourceDataPoint, ResourceID: 1000, Level: core.LevelRead},
	}
	ea := Compute(tree, grants)

	assert.True(t, ea.CanRead(core.ResourceDataPoint, 1000))
	assert.True(t, ea.CanRead(core.ResourceEquipment, 100), "ancestor equipment must escalate")
	assert.True(t, ea.CanRead(core.ResourceContainer, 10), "ancestor container must escalate")
	assert.True(t, ea.CanRead(core.ResourcePLC, 1), "ancestor plc must escalate")

	assert.False(t, ea.CanRead(core.ResourceDataPoint, 1001), "sibling datapoint must not leak in")
	assert.False(t, ea.CanRead(core.ResourcePLC, 2), "unrelated plc must not leak in")
}

func TestCompute_PLCGrantWithDescendants_CascadesDown(t *testing.T) {
	tree := buildTestTree()
	grants := []core.Grant{
		{ResourceType: core.ResourcePLC, ResourceID: 1, Level: core.LevelRead, IncludeDescendants: true},
	}
	ea := Compute(tree, grants)

	assert.True(t, ea.CanRead(core.ResourcePLC, 1))
	assert.True(t, ea.CanRead(core.ResourceContainer, 10))
	assert.True(t, ea.CanRead(core.ResourceEquipment, 100))
	assert.True(t, ea.CanRead(core.ResourceDataPoint, 1000))
	assert.True(t, ea.CanRead(core.ResourceDataPoint, 1001))

	assert.False(t, ea.CanRead(core.ResourcePLC, 2))
}

func TestCompute_PLCGrantWithoutDescendants_DoesNotCascade(t *testing.T) {
	tree := buildTestTree()
	grants := []core.Grant{
		{ResourceType: core.ResourcePLC, ResourceID: 1, Level: core.LevelRead, IncludeDescendants: false},
	}
	ea := Compute(tree, grants)

	assert.True(t, ea.CanRead(core.ResourcePLC, 1))
	assert.False(t, ea.CanRead(core.ResourceContainer, 10))
}

func TestCompute_WriteImpliesRead(t *testing.T) {
	tree := buildTestTree()
	grants := []core.Grant{
		{ResourceType: core.ResourceDataPoint, ResourceID: 1000, Level: core.LevelWrite},
	}
	ea := Compute(tree, grants)

	assert.True(t, ea.CanWrite(core.ResourceDataPoint, 1000))
	assert.True(t, ea.CanRead(core.ResourceDataPoint, 1000))
	assert.False(t, ea.CanWrite(core.ResourceEquipment, 100), "escalation only grants read, never write")
	assert.True(t, ea.CanRead(core.ResourceEquipment, 100))
}

func TestAllAccess_GrantsEverything(t *testing.T) {
	tree := buildTestTree()
	ea := AllAccess(tree)

	for id := range tree.PLCs {
		assert.True(t, ea.CanRead(core.ResourcePLC, id))
		assert.True(t, ea.CanWrite(core.ResourcePLC, id))
	}
	for id := range tree.DataPoints {
		assert.True(t, ea.CanRead(core.ResourceDataPoint, id))
		assert.True(t, ea.CanWrite(core.ResourceDataPoint, id))
	}
}

func TestCompute_NoGrants_DeniesEverything(t *testing.T) {
	tree := buildTestTree()
	ea := Compute(tree, nil)
	assert.False(t, ea.CanRead(core.ResourcePLC, 1))
	assert.False(t, ea.CanRead(core.ResourceDataPoint, 1000))
}
