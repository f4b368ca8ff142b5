// Package poller implements the Poller (spec.md §4.D): one background
// worker per configured PLC that repeatedly resolves a scan plan,
// issues block reads, decodes the results into the snapshot tree, and
// feeds every numeric reading to the Alarm Engine.
//
// Grounded on
// original_source/sunny_scada/services/polling_service.py
// (PollingService: start/stop, `_sleep_interruptible`) and
// plc_reader.py (per-type decode rules, scaling, REAL's two-register
// IEEE-754 layout).
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sunnyfields/scada-core/internal/alarm"
	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/device"
	"github.com/sunnyfields/scada-core/internal/scanplan"
	"github.com/sunnyfields/scada-core/internal/snapshot"
)

// TreeLookup resolves the current configuration tree, shared with
// internal/access, internal/alarm, and internal/command.
type TreeLookup func() *core.Tree

// RuleLookup resolves the current alarm rule set (disabled rules
// included; EvaluateRule reports them as OK). It is called once per
// tick, so the Poller sees whatever the lookup's source holds then.
type RuleLookup func() []alarm.Rule

// Reader is the subset of device.Service the poller drives.
type Reader interface {
	ReadHoldingRegisters(plc string, address, count int) ([]uint16, error)
}

var _ Reader = (*device.Service)(nil)

// Recorder is the metrics sink for one poll tick, satisfied by
// internal/metrics.Metrics. Optional: a nil Recorder disables
// instrumentation entirely.
type Recorder interface {
	RecordPoll(plc string, durationSeconds float64, blockErrors int)
}

// Options tunes scan-plan geometry and poll cadence (spec.md §6
// "Polling"/"Modbus" config knobs).
type Options struct {
	IntervalS       float64
	SleepSliceMs    int
	RealExtraOffset int
	MaxGapRegs      int
	MaxBlockRegs    int
}

func (o Options) interval() time.Duration {
	if o.IntervalS <= 0 {
		return time.Second
	}
	return time.Duration(o.IntervalS * float64(time.Second))
}

func (o Options) sleepSlice() time.Duration {
	if o.SleepSliceMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(o.SleepSliceMs) * time.Millisecond
}

// Poller is the process-wide singleton Poller: one goroutine per PLC
// name in roster, started together by Start (spec.md §5 "One
// background worker per polled PLC").
type Poller struct {
	reader  Reader
	store   *snapshot.Store
	tree    TreeLookup
	rules   RuleLookup
	alarms   *alarm.Engine
	opts     Options
	log      *slog.Logger
	recorder Recorder

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New constructs a Poller; the PLC roster is passed to Start. Per §9,
// no goroutines start until Start. recorder may be nil.
func New(reader Reader, store *snapshot.Store, tree TreeLookup, rules RuleLookup, alarms *alarm.Engine, opts Options, log *slog.Logger, recorder Recorder) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		reader:   reader,
		store:    store,
		tree:     tree,
		rules:    rules,
		alarms:   alarms,
		opts:     opts,
		log:      log,
		recorder: recorder,
		stop:     make(chan struct{}),
	}
}

// Start launches one worker per PLC named in roster.
func (p *Poller) Start(roster []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	for _, plc := range roster {
		p.wg.Add(1)
		go p.run(plc)
	}
}

// Stop signals every worker and joins them with a bounded deadline
// (spec.md §5 "Poller workers observe a stop signal with ≤100 ms
// latency").
func (p *Poller) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("poller: shutdown timed out, workers may still be running")
	}
}

func (p *Poller) run(plc string) {
	defer p.wg.Done()
	for {
		p.tick(plc)
		if p.sleepInterruptible(p.opts.interval()) {
			return
		}
	}
}

// sleepInterruptible sleeps in slices no larger than
// opts.sleepSlice(), returning true as soon as stop fires so shutdown
// latency never exceeds one slice, mirroring
// polling_service.py's _sleep_interruptible.
func (p *Poller) sleepInterruptible(d time.Duration) bool {
	end := time.Now().Add(d)
	slice := p.opts.sleepSlice()
	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			return false
		}
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-p.stop:
			return true
		case <-time.After(wait):
		}
	}
}

func (p *Poller) tick(plc string) {
	start := time.Now()
	blockErrors := 0
	defer func() {
		if p.recorder != nil {
			p.recorder.RecordPoll(plc, time.Since(start).Seconds(), blockErrors)
		}
	}()

	tree := p.tree()
	if tree == nil {
		return
	}
	var plcID int64
	found := false
	for id, entry := range tree.PLCs {
		if entry.Name == plc {
			plcID = id
			found = true
			break
		}
	}
	if !found {
		return
	}

	points := tree.PLCDataPoints(plcID)
	plan := scanplan.Build(points, p.opts.RealExtraOffset, p.opts.MaxGapRegs, p.opts.MaxBlockRegs)

	regs := make(map[int]uint16, len(plan.Tags)*2)
	for _, block := range plan.Blocks {
		words, err := p.reader.ReadHoldingRegisters(plc, block.Start, block.Count)
		if err != nil {
			// Transient device errors are hidden from the Poller's
			// consumer: the affected tags are simply omitted this tick
			// (spec.md §7 "Propagation policy").
			p.log.Warn("poller: block read failed", "plc", plc, "start", block.Start, "count", block.Count, "error", err)
			blockErrors++
			continue
		}
		for i, w := range words {
			regs[block.Start+i] = w
		}
	}

	rulesByDataPoint := map[int64][]alarm.Rule{}
	if p.rules != nil {
		for _, r := range p.rules() {
			rulesByDataPoint[r.DataPointID] = append(rulesByDataPoint[r.DataPointID], r)
		}
	}

	root := map[string]*snapshot.Node{}
	now := time.Now().UTC()

	for _, spec := range plan.Tags {
		dp, ok := tree.DataPoints[spec.DataPointID]
		if !ok {
			continue
		}
		leaf, value, ok := decodeLeaf(regs, spec, dp, tree.Bits[dp.ID])
		if !ok {
			continue
		}
		insertLeaf(root, tree, dp, leaf)

		if p.alarms != nil && (dp.Type == core.TypeInteger || dp.Type == core.TypeReal) {
			if rules := rulesByDataPoint[dp.ID]; len(rules) > 0 {
				if err := p.alarms.EvaluateDataPoint(context.Background(), rules, dp.ID, value, now); err != nil {
					p.log.Warn("poller: alarm evaluation failed", "plc", plc, "datapoint_id", dp.ID, "error", err)
				}
			}
		}
	}

	p.store.Put(plc, root)
}

// decodeLeaf decodes one tag's registers per plc_reader.py's per-type
// rules. ok is false when the block containing this tag failed to
// read this tick. value is the numeric reading used for alarm
// evaluation (0 for DIGITAL, which the caller skips). bits carries the
// datapoint's configured bit labels (tree.Bits[dp.ID]); a DIGITAL leaf
// annotates each bit with its configured label where present, falling
// back to "Bit N" otherwise (spec.md §4.B), mirroring
// command.Service's bitLabels lookup.
func decodeLeaf(regs map[int]uint16, spec scanplan.TagSpec, dp core.DataPoint, bits []core.DataPointBit) (*snapshot.Leaf, float64, bool) {
	switch spec.Type {
	case core.TypeInteger:
		word, ok := regs[spec.ReadOffset]
		if !ok {
			return nil, 0, false
		}
		return &snapshot.Leaf{
			Kind:            snapshot.LeafInteger,
			DataPointID:     dp.ID,
			RegisterAddress: spec.ReadOffset,
			IntegerValue:    int64(word),
		}, float64(word), true

	case core.TypeReal:
		hi, ok1 := regs[spec.ReadOffset]
		lo, ok2 := regs[spec.ReadOffset+1]
		if !ok1 || !ok2 {
			return nil, 0, false
		}
		word := uint32(hi)<<16 | uint32(lo)
		raw := math.Float32frombits(word)
		rescaled := applyRescale(float64(raw), spec)
		scaled := rescaled * spec.Multiplier
		return &snapshot.Leaf{
			Kind:            snapshot.LeafReal,
			DataPointID:     dp.ID,
			RegisterAddress: spec.ReadOffset,
			RawValue:        float64(raw),
			ScaledValue:     scaled,
		}, scaled, true

	case core.TypeDigital:
		word, ok := regs[spec.ReadOffset]
		if !ok {
			return nil, 0, false
		}
		labels := make(map[int]string, len(bits))
		for _, b := range bits {
			labels[b.Bit] = b.Label
		}
		bitsMap := make(map[int]snapshot.BitValue, 16)
		for i := 0; i < 16; i++ {
			label := labels[i]
			if label == "" {
				label = fmt.Sprintf("Bit %d", i)
			}
			bitsMap[i] = snapshot.BitValue{
				Label: label,
				Value: (word>>uint(i))&0x01 == 1,
			}
		}
		return &snapshot.Leaf{
			Kind:            snapshot.LeafDigital,
			DataPointID:     dp.ID,
			RegisterAddress: spec.ReadOffset,
			Bits:            bitsMap,
		}, 0, true
	}
	return nil, 0, false
}

// applyRescale implements plc_reader.py's scale_value: a linear rescale
// from (raw_zero, raw_full) to (eng_zero, eng_full), applied before the
// datapoint multiplier. Identity when any of the four endpoints is
// unconfigured, or when raw_full == raw_zero (degenerate range).
func applyRescale(raw float64, spec scanplan.TagSpec) float64 {
	if spec.RawZero == nil || spec.RawFull == nil || spec.EngZero == nil || spec.EngFull == nil {
		return raw
	}
	rawZero, rawFull, engZero, engFull := *spec.RawZero, *spec.RawFull, *spec.EngZero, *spec.EngFull
	if rawFull == rawZero {
		return raw
	}
	return engZero + (raw-rawZero)*(engFull-engZero)/(rawFull-rawZero)
}

// insertLeaf places leaf at the path implied by dp's owner: PLC-owned
// points sit at the root, container-owned points one level down, and
// equipment-owned points two levels down (spec.md §6's
// "containers{datapoints, equipment{datapoints}}" shape).
func insertLeaf(root map[string]*snapshot.Node, tree *core.Tree, dp core.DataPoint, leaf *snapshot.Leaf) {
	switch dp.OwnerKind {
	case core.OwnerPLC:
		root[dp.Label] = &snapshot.Node{Leaf: leaf}

	case core.OwnerContainer:
		c, ok := tree.Containers[dp.OwnerID]
		if !ok {
			return
		}
		container := childNode(root, c.Name)
		container.Children[dp.Label] = &snapshot.Node{Leaf: leaf}

	case core.OwnerEquipment:
		eq, ok := tree.Equipment[dp.OwnerID]
		if !ok {
			return
		}
		c, ok := tree.Containers[eq.ContainerID]
		if !ok {
			return
		}
		container := childNode(root, c.Name)
		equipment := childNode(container.Children, eq.Name)
		equipment.Children[dp.Label] = &snapshot.Node{Leaf: leaf}
	}
}

func childNode(siblings map[string]*snapshot.Node, name string) *snapshot.Node {
	n, ok := siblings[name]
	if !ok || n.Leaf != nil {
		n = &snapshot.Node{Children: map[string]*snapshot.Node{}}
		siblings[name] = n
	}
	return n
}

