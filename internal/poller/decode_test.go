package poller

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/scanplan"
	"github.com/sunnyfields/scada-core/internal/snapshot"
)

func TestDecodeLeaf_Integer(t *testing.T) {
	regs := map[int]uint16{5: 42}
	spec := scanplan.TagSpec{Type: core.TypeInteger, ReadOffset: 5}
	dp := core.DataPoint{ID: 1}

	leaf, value, ok := decodeLeaf(regs, spec, dp, nil)
	require.True(t, ok)
	assert.Equal(t, snapshot.LeafInteger, leaf.Kind)
	assert.Equal(t, int64(42), leaf.IntegerValue)
	assert.Equal(t, float64(42), value)
}

func TestDecodeLeaf_Integer_MissingRegister(t *testing.T) {
	regs := map[int]uint16{}
	spec := scanplan.TagSpec{Type: core.TypeInteger, ReadOffset: 5}
	_, _, ok := decodeLeaf(regs, spec, core.DataPoint{ID: 1}, nil)
	assert.False(t, ok)
}

func TestDecodeLeaf_Real_TwoRegisterIEEE754(t *testing.T) {
	var f32 float32 = 123.5
	bits := math.Float32bits(f32)
	hi := uint16(bits >> 16)
	lo := uint16(bits & 0xFFFF)
	regs := map[int]uint16{10: hi, 11: lo}
	spec := scanplan.TagSpec{Type: core.TypeReal, ReadOffset: 10, Multiplier: 2.0}
	dp := core.DataPoint{ID: 2}

	leaf, value, ok := decodeLeaf(regs, spec, dp, nil)
	require.True(t, ok)
	assert.Equal(t, snapshot.LeafReal, leaf.Kind)
	assert.InDelta(t, 123.5, leaf.RawValue, 0.001)
	assert.InDelta(t, 247.0, leaf.ScaledValue, 0.001, "scaled value must apply the multiplier")
	assert.InDelta(t, 247.0, value, 0.001)
}

func TestDecodeLeaf_Real_MissingSecondRegister(t *testing.T) {
	regs := map[int]uint16{10: 1}
	spec := scanplan.TagSpec{Type: core.TypeReal, ReadOffset: 10}
	_, _, ok := decodeLeaf(regs, spec, core.DataPoint{ID: 2}, nil)
	assert.False(t, ok, "a REAL needs both the hi and lo register present")
}

func TestDecodeLeaf_Real_LinearRescaleAppliedBeforeMultiplier(t *testing.T) {
	var f32 float32 = 50.0 // raw reading, midway through [0, 100]
	bits := math.Float32bits(f32)
	hi := uint16(bits >> 16)
	lo := uint16(bits & 0xFFFF)
	regs := map[int]uint16{10: hi, 11: lo}
	rawZero, rawFull, engZero, engFull := 0.0, 100.0, 0.0, 10.0
	spec := scanplan.TagSpec{
		Type: core.TypeReal, ReadOffset: 10, Multiplier: 2.0,
		RawZero: &rawZero, RawFull: &rawFull, EngZero: &engZero, EngFull: &engFull,
	}

	leaf, value, ok := decodeLeaf(regs, spec, core.DataPoint{ID: 2}, nil)
	require.True(t, ok)
	assert.InDelta(t, 50.0, leaf.RawValue, 0.001, "RawValue is the undecoded register reading, never rescaled")
	// 50 raw -> 5 engineering units (midway through [0,10]) -> *2 multiplier = 10.
	assert.InDelta(t, 10.0, leaf.ScaledValue, 0.001)
	assert.InDelta(t, 10.0, value, 0.001)
}

func TestDecodeLeaf_Real_PartialRescaleFieldsIgnored(t *testing.T) {
	var f32 float32 = 50.0
	bits := math.Float32bits(f32)
	hi := uint16(bits >> 16)
	lo := uint16(bits & 0xFFFF)
	regs := map[int]uint16{10: hi, 11: lo}
	rawZero, rawFull := 0.0, 100.0
	spec := scanplan.TagSpec{
		Type: core.TypeReal, ReadOffset: 10, Multiplier: 1.0,
		RawZero: &rawZero, RawFull: &rawFull, // EngZero/EngFull absent
	}

	leaf, _, ok := decodeLeaf(regs, spec, core.DataPoint{ID: 2}, nil)
	require.True(t, ok)
	assert.InDelta(t, 50.0, leaf.ScaledValue, 0.001, "a partially-configured rescale must behave as identity")
}

func TestDecodeLeaf_Digital_DecodesAllSixteenBits(t *testing.T) {
	regs := map[int]uint16{3: 0b0000_0000_0000_0101} // bits 0 and 2 set
	spec := scanplan.TagSpec{Type: core.TypeDigital, ReadOffset: 3}
	dp := core.DataPoint{ID: 3}

	leaf, value, ok := decodeLeaf(regs, spec, dp, nil)
	require.True(t, ok)
	assert.Equal(t, snapshot.LeafDigital, leaf.Kind)
	assert.Equal(t, float64(0), value, "DIGITAL has no scalar value, caller skips alarm eval")
	require.Len(t, leaf.Bits, 16)
	assert.True(t, leaf.Bits[0].Value)
	assert.False(t, leaf.Bits[1].Value)
	assert.True(t, leaf.Bits[2].Value)
	assert.False(t, leaf.Bits[15].Value)
	assert.Equal(t, "Bit 0", leaf.Bits[0].Label, "unlabeled bits fall back to the positional name")
}

func TestDecodeLeaf_Digital_UsesConfiguredBitLabels(t *testing.T) {
	regs := map[int]uint16{3: 0b0000_0000_0000_0001}
	spec := scanplan.TagSpec{Type: core.TypeDigital, ReadOffset: 3}
	dp := core.DataPoint{ID: 3}
	bits := []core.DataPointBit{{DataPointID: 3, Bit: 0, Label: "Run"}}

	leaf, _, ok := decodeLeaf(regs, spec, dp, bits)
	require.True(t, ok)
	assert.Equal(t, "Run", leaf.Bits[0].Label, "a configured bit label must be used over the positional fallback")
	assert.Equal(t, "Bit 1", leaf.Bits[1].Label, "bits without a configured label still fall back")
}
