// Package scanplan turns a PLC's datapoint tree into an ordered list of
// TagSpecs and a minimal set of contiguous register Blocks to read.
//
// Grounded line-for-line on
// original_source/sunny_scada/scan_plan.py (flatten_points,
// build_tag_specs, build_blocks).
package scanplan

import (
	"sort"

	"github.com/sunnyfields/scada-core/internal/core"
)

// TagSpec describes one datapoint's register geometry, per spec.md
// §4.B.
type TagSpec struct {
	Path         string // datapoint label, for logging/debugging and the final sort key
	DataPointID  int64
	Type         core.DataPointType
	Configured4x int
	BaseOffset   int
	ReadOffset   int
	Length       int
	Multiplier   float64

	// RawZero/RawFull/EngZero/EngFull are the optional REAL linear
	// rescale endpoints (spec.md §4.B), carried through from
	// core.DataPoint unchanged. Nil unless all four were configured.
	RawZero *float64
	RawFull *float64
	EngZero *float64
	EngFull *float64
}

// Block is a contiguous register read issued as a single Modbus
// request.
type Block struct {
	Start int
	Count int
}

// BuildTagSpecs computes the register geometry for every datapoint in
// points, sorted by (read_offset, length, path) as in scan_plan.py.
//
// realExtraOffset implements the legacy REAL quirk (spec.md §9): REAL
// datapoints are read starting one register after their configured
// base offset.
func BuildTagSpecs(points []core.DataPoint, realExtraOffset int) []TagSpec {
	specs := make([]TagSpec, 0, len(points))
	for _, p := range points {
		base := p.Address - 40001
		length := 1
		readOffset := base
		if p.Type == core.TypeReal {
			length = 2
			readOffset = base + realExtraOffset
		}
		mult := p.Multiplier
		if mult == 0 {
			mult = 1.0
		}
		specs = append(specs, TagSpec{
			Path:         p.Label,
			DataPointID:  p.ID,
			Type:         p.Type,
			Configured4x: p.Address,
			BaseOffset:   base,
			ReadOffset:   readOffset,
			Length:       length,
			Multiplier:   mult,
			RawZero:      p.RawZero,
			RawFull:      p.RawFull,
			EngZero:      p.EngZero,
			EngFull:      p.EngFull,
		})
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].ReadOffset != specs[j].ReadOffset {
			return specs[i].ReadOffset < specs[j].ReadOffset
		}
		if specs[i].Length != specs[j].Length {
			return specs[i].Length < specs[j].Length
		}
		return specs[i].Path < specs[j].Path
	})
	return specs
}

// BuildBlocks merges sorted tag specs into the minimal set of
// contiguous reads bounded by maxGapRegs and maxBlockRegs (spec.md
// §4.B). specs must already be sorted by BuildTagSpecs.
func BuildBlocks(specs []TagSpec, maxGapRegs, maxBlockRegs int) []Block {
	if len(specs) == 0 {
		return nil
	}
	blocks := make([]Block, 0)

	start := specs[0].ReadOffset
	end := specs[0].ReadOffset + specs[0].Length // exclusive

	for _, spec := range specs[1:] {
		gap := spec.ReadOffset - end
		tentativeEnd := spec.ReadOffset + spec.Length
		if gap <= maxGapRegs && tentativeEnd-start <= maxBlockRegs {
			if tentativeEnd > end {
				end = tentativeEnd
			}
			continue
		}
		blocks = append(blocks, Block{Start: start, Count: end - start})
		start = spec.ReadOffset
		end = tentativeEnd
	}
	blocks = append(blocks, Block{Start: start, Count: end - start})
	return blocks
}

// Plan bundles the tag specs and the blocks that read them for one
// PLC. The Poller rebuilds it on every tick from the current tree; no
// Plan is cached between ticks.
type Plan struct {
	Tags   []TagSpec
	Blocks []Block
}

// Build computes a full Plan for points in one call.
func Build(points []core.DataPoint, realExtraOffset, maxGapRegs, maxBlockRegs int) Plan {
	tags := BuildTagSpecs(points, realExtraOffset)
	return Plan{Tags: tags, Blocks: BuildBlocks(tags, maxGapRegs, maxBlockRegs)}
}
