package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/ratelimit"
	"github.com/sunnyfields/scada-core/internal/store"
)

// TreeLookup resolves the current configuration tree, shared with
// internal/access and internal/alarm.
type TreeLookup func() *core.Tree

// CreateParams is one CreateCommand request (spec.md §6).
type CreateParams struct {
	PLCName      string
	DataPointRef string // canonical "db-dp:<id>"
	Kind         string // "bit" | "register" | "" (inferred from type)
	Value        float64
	Bit          *int
	UserID       *int64
	ClientIP     *string
}

// CreateResult is the immediate response to CreateCommand.
type CreateResult struct {
	CommandID string
	Status    string
}

// Service is the Command Service: validates, rate-limits, persists,
// and enqueues writes. Grounded on command_service.py's CommandService.
type Service struct {
	db       *store.DB
	executor *Executor
	limiter  ratelimit.Limiter
	tree     TreeLookup
	onEvent  func(payload map[string]any)
	rpm      int
	log      *slog.Logger
}

// NewService constructs a Command Service. rpm is the per-key
// rate_limit_per_minute tuning constant (spec.md §6, default 30).
func NewService(db *store.DB, executor *Executor, limiter ratelimit.Limiter, tree TreeLookup, rpm int, log *slog.Logger) *Service {
	if rpm < 1 {
		rpm = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, executor: executor, limiter: limiter, tree: tree, rpm: rpm, log: log}
}

// SetBroadcast registers the command_log emit callback (spec.md §6
// wire shape).
func (s *Service) SetBroadcast(fn func(payload map[string]any)) {
	s.onEvent = fn
}

func (s *Service) emit(payload map[string]any) {
	if s.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("command: broadcast callback panicked", "recover", r)
		}
	}()
	s.onEvent(payload)
}

// resolveDataPoint accepts either the canonical "db-dp:<id>" reference
// or a legacy bare label, scoped to plcName, per spec.md §9 "legacy
// label-only lookups must be scoped (by plc_name...)". A label
// matching more than one datapoint on that PLC fails closed with
// AmbiguousRefError rather than picking one, per the same section.
func (s *Service) resolveDataPoint(plcName, ref string) (core.DataPoint, error) {
	tree := s.tree()
	if tree == nil {
		return core.DataPoint{}, &ValidationError{Msg: fmt.Sprintf("datapoint %q not found", ref)}
	}

	if strings.HasPrefix(ref, "db-dp:") {
		idStr := strings.TrimPrefix(ref, "db-dp:")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return core.DataPoint{}, &ValidationError{Msg: "invalid db datapoint id format"}
		}
		dp, ok := tree.DataPoints[id]
		if !ok || dp.Category != core.CategoryWrite {
			return core.DataPoint{}, &ValidationError{Msg: fmt.Sprintf("datapoint %q is not configured as writable", ref)}
		}
		return dp, nil
	}

	return s.resolveDataPointByLabel(tree, plcName, ref)
}

// resolveDataPointByLabel scans every writable datapoint owned
// (directly or transitively) by plcName for a Label match, grounded
// on alarm_monitor.py's _resolve_datapoint_id.
func (s *Service) resolveDataPointByLabel(tree *core.Tree, plcName, label string) (core.DataPoint, error) {
	var plcID int64
	found := false
	for id, plc := range tree.PLCs {
		if plc.Name == plcName {
			plcID = id
			found = true
			break
		}
	}
	if !found {
		return core.DataPoint{}, &ValidationError{Msg: fmt.Sprintf("unknown plc %q", plcName)}
	}

	var candidates []int64
	var match core.DataPoint
	for _, dp := range tree.DataPoints {
		if dp.Label != label || dp.Category != core.CategoryWrite {
			continue
		}
		if !dataPointBelongsToPLC(tree, dp, plcID) {
			continue
		}
		candidates = append(candidates, dp.ID)
		match = dp
	}

	switch len(candidates) {
	case 0:
		return core.DataPoint{}, &ValidationError{Msg: fmt.Sprintf("datapoint %q is not configured as writable", label)}
	case 1:
		return match, nil
	default:
		return core.DataPoint{}, &AmbiguousRefError{PLCName: plcName, Label: label, Candidates: candidates}
	}
}

// dataPointBelongsToPLC walks dp's owner chain up to its PLC.
func dataPointBelongsToPLC(tree *core.Tree, dp core.DataPoint, plcID int64) bool {
	switch dp.OwnerKind {
	case core.OwnerPLC:
		return dp.OwnerID == plcID
	case core.OwnerContainer:
		owner, ok := tree.ContainerPLC(dp.OwnerID)
		return ok && owner == plcID
	case core.OwnerEquipment:
		eq, ok := tree.Equipment[dp.OwnerID]
		if !ok {
			return false
		}
		owner, ok := tree.ContainerPLC(eq.ContainerID)
		return ok && owner == plcID
	}
	return false
}

// ownerLabel resolves the equipment/container name for command_log
// context, mirroring command_service.py's best-effort label lookup
// (owner_type=="plc" is left "Unknown", matching the Python, which
// only special-cases equipment/container).
func ownerLabel(tree *core.Tree, dp core.DataPoint) string {
	switch dp.OwnerKind {
	case core.OwnerEquipment:
		if eq, ok := tree.Equipment[dp.OwnerID]; ok && eq.Name != "" {
			return eq.Name
		}
	case core.OwnerContainer:
		if c, ok := tree.Containers[dp.OwnerID]; ok && c.Name != "" {
			return c.Name
		}
	}
	return "Unknown"
}

// Create validates, rate-limits, persists, and enqueues a write
// command (spec.md §4.E "CreateCommand" and §8 scenario 1/2).
func (s *Service) Create(ctx context.Context, p CreateParams) (CreateResult, error) {
	tree := s.tree()
	if tree == nil {
		return CreateResult{}, &ValidationError{Msg: "configuration not loaded"}
	}
	plcFound := false
	for _, plc := range tree.PLCs {
		if plc.Name == p.PLCName {
			plcFound = true
			break
		}
	}
	if !plcFound {
		return CreateResult{}, &ValidationError{Msg: fmt.Sprintf("unknown plc %q", p.PLCName)}
	}

	key := fmt.Sprintf("cmd:%d:%s:%s", userIDOrZero(p.UserID), p.PLCName, p.DataPointRef)
	limit := s.limiter.Allow(key, s.rpm, time.Minute)
	if !limit.Allowed {
		return CreateResult{}, &RateLimitError{Key: key}
	}

	dp, err := s.resolveDataPoint(p.PLCName, p.DataPointRef)
	if err != nil {
		return CreateResult{}, err
	}
	if dp.Address < 40000 {
		return CreateResult{}, &ValidationError{Msg: "write address must be a 4xxxx holding register"}
	}

	allowedBits := map[int]bool{}
	bitLabels := map[int]string{}
	for _, b := range tree.Bits[dp.ID] {
		allowedBits[b.Bit] = true
		bitLabels[b.Bit] = b.Label
	}

	payload := map[string]any{
		"address":         dp.Address,
		"datapoint_label": dp.Label,
		"equipment_label": ownerLabel(tree, dp),
	}

	kind := strings.ToLower(strings.TrimSpace(p.Kind))
	switch dp.Type {
	case core.TypeDigital:
		if kind != "bit" && kind != "" {
			return CreateResult{}, &ValidationError{Msg: "DIGITAL points only support kind=bit"}
		}
		if p.Bit == nil {
			return CreateResult{}, &ValidationError{Msg: "bit is required for DIGITAL writes"}
		}
		bit := *p.Bit
		if bit < 0 || bit > 15 {
			return CreateResult{}, &ValidationError{Msg: "bit must be 0..15"}
		}
		v := int(p.Value)
		if v != 0 && v != 1 {
			return CreateResult{}, &ValidationError{Msg: "value must be 0 or 1"}
		}
		if len(allowedBits) > 0 && !allowedBits[bit] {
			return CreateResult{}, &ValidationError{Msg: "bit not permitted for this datapoint"}
		}
		label := bitLabels[bit]
		if label == "" {
			label = fmt.Sprintf("Bit %d", bit)
		}
		payload["bit"] = bit
		payload["bit_label"] = label
		payload["value"] = v
		kind = "bit"

	case core.TypeInteger:
		if kind != "" && kind != "register" {
			return CreateResult{}, &ValidationError{Msg: "INTEGER points only support kind=register"}
		}
		kind = "register"
		v := int(p.Value)
		if v < 0 || v > 65535 {
			return CreateResult{}, &ValidationError{Msg: "value out of 0..65535"}
		}
		payload["value"] = v
		payload["verify"] = true

	default:
		return CreateResult{}, &ValidationError{Msg: fmt.Sprintf("unsupported writable type %q", dp.Type)}
	}

	commandID := uuid.New().String()
	row, err := s.db.InsertCommand(ctx, store.CommandRow{
		CommandID:    commandID,
		PLCName:      p.PLCName,
		DataPointRef: p.DataPointRef,
		Kind:         kind,
		Payload:      payload,
		UserID:       p.UserID,
		ClientIP:     p.ClientIP,
	}, limit.Remaining)
	if err != nil {
		return CreateResult{}, fmt.Errorf("command: create: %w", err)
	}

	s.emit(buildCommandLogPayload(row, "queued", nil))
	s.executor.Enqueue(p.PLCName, row.RowID)

	return CreateResult{CommandID: row.CommandID, Status: row.Status}, nil
}

func userIDOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

// GetCommand loads a command and its event timeline by external id.
func (s *Service) GetCommand(ctx context.Context, commandID string) (store.CommandRow, []store.CommandEventRow, error) {
	row, err := s.db.GetCommandByCommandID(ctx, commandID)
	if err != nil {
		if err == store.ErrNotFound {
			return store.CommandRow{}, nil, &NotFoundError{CommandID: commandID}
		}
		return store.CommandRow{}, nil, fmt.Errorf("command: get: %w", err)
	}
	events, err := s.db.ListCommandEvents(ctx, row.RowID)
	if err != nil {
		return store.CommandRow{}, nil, fmt.Errorf("command: get events: %w", err)
	}
	return row, events, nil
}

// CancelCommand transitions a queued command to cancelled (spec.md
// §4.F "Cancellation"); a no-op once execution has started.
func (s *Service) CancelCommand(ctx context.Context, commandID string) (string, error) {
	status, err := s.db.CancelIfQueued(ctx, commandID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", &NotFoundError{CommandID: commandID}
		}
		return "", fmt.Errorf("command: cancel: %w", err)
	}
	if status == "cancelled" {
		if row, gerr := s.db.GetCommandByCommandID(ctx, commandID); gerr == nil {
			s.emit(buildCommandLogPayload(row, "cancelled", nil))
		}
	}
	return status, nil
}

// ListCommands returns commands matching filters, most recent first.
func (s *Service) ListCommands(ctx context.Context, f store.CommandFilters) ([]store.CommandRow, error) {
	rows, err := s.db.ListCommands(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("command: list: %w", err)
	}
	return rows, nil
}
