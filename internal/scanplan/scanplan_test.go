package scanplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunnyfields/scada-core/internal/core"
)

func TestBuildTagSpecs_RealExtraOffset(t *testing.T) {
	points := []core.DataPoint{
		{ID: 1, Label: "temp", Type: core.TypeReal, Address: 40101, Multiplier: 1.0},
		{ID: 2, Label: "flag", Type: core.TypeDigital, Address: 40105},
	}
	specs := BuildTagSpecs(points, 1)
	require.Len(t, specs, 2)

	real := specs[0]
	assert.Equal(t, int64(1), real.DataPointID)
	assert.Equal(t, 100, real.BaseOffset)  // 40101 - 40001
	assert.Equal(t, 101, real.ReadOffset)  // +1 legacy quirk
	assert.Equal(t, 2, real.Length)

	digital := specs[1]
	assert.Equal(t, 104, digital.BaseOffset)
	assert.Equal(t, 104, digital.ReadOffset) // no extra offset for non-REAL
	assert.Equal(t, 1, digital.Length)
}

func TestBuildTagSpecs_DefaultMultiplier(t *testing.T) {
	points := []core.DataPoint{
		{ID: 1, Type: core.TypeInteger, Address: 40001, Multiplier: 0},
	}
	specs := BuildTagSpecs(points, 0)
	require.Len(t, specs, 1)
	assert.Equal(t, 1.0, specs[0].Multiplier)
}

func TestBuildTagSpecs_SortOrder(t *testing.T) {
	points := []core.DataPoint{
		{ID: 1, Label: "b", Type: core.TypeInteger, Address: 40010},
		{ID: 2, Label: "a", Type: core.TypeInteger, Address: 40001},
	}
	specs := BuildTagSpecs(points, 0)
	require.Len(t, specs, 2)
	assert.Equal(t, int64(2), specs[0].DataPointID)
	assert.Equal(t, int64(1), specs[1].DataPointID)
}

func TestBuildBlocks_MergesWithinGap(t *testing.T) {
	specs := []TagSpec{
		{ReadOffset: 0, Length: 1},
		{ReadOffset: 2, Length: 1}, // gap of 1, within maxGapRegs=2
	}
	blocks := BuildBlocks(specs, 2, 100)
	require.Len(t, blocks, 1)
	assert.Equal(t, Block{Start: 0, Count: 3}, blocks[0])
}

func TestBuildBlocks_SplitsOnLargeGap(t *testing.T) {
	specs := []TagSpec{
		{ReadOffset: 0, Length: 1},
		{ReadOffset: 10, Length: 1},
	}
	blocks := BuildBlocks(specs, 2, 100)
	require.Len(t, blocks, 2)
	assert.Equal(t, Block{Start: 0, Count: 1}, blocks[0])
	assert.Equal(t, Block{Start: 10, Count: 1}, blocks[1])
}

func TestBuildBlocks_SplitsOnMaxBlockSize(t *testing.T) {
	specs := []TagSpec{
		{ReadOffset: 0, Length: 1},
		{ReadOffset: 1, Length: 1},
	}
	blocks := BuildBlocks(specs, 10, 1) // block cap of 1 register forces a split
	require.Len(t, blocks, 2)
}

func TestBuildBlocks_Empty(t *testing.T) {
	assert.Nil(t, BuildBlocks(nil, 2, 100))
}

func TestBuild_EndToEnd(t *testing.T) {
	points := []core.DataPoint{
		{ID: 1, Type: core.TypeInteger, Address: 40001},
		{ID: 2, Type: core.TypeInteger, Address: 40002},
		{ID: 3, Type: core.TypeReal, Address: 40050, Multiplier: 1.0},
	}
	plan := Build(points, 1, 2, 100)
	require.Len(t, plan.Tags, 3)
	require.Len(t, plan.Blocks, 2)
}
