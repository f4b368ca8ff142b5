package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/ratelimit"
)

// fakeWriter satisfies Writer without a live Modbus socket; unused in
// these tests since every case returns before reaching Enqueue/execute.
type fakeWriter struct{}

func (fakeWriter) WriteRegister(plc string, address int, value uint16, verify bool) error { return nil }
func (fakeWriter) WriteBitInRegister(plc string, address, bit int, value bool, verify bool) error {
	return nil
}

func testTree() *core.Tree {
	return &core.Tree{
		PLCs: map[int64]core.PLC{
			1: {ID: 1, Name: "plc-a"},
		},
		Containers: map[int64]core.Container{},
		Equipment:  map[int64]core.Equipment{},
		DataPoints: map[int64]core.DataPoint{
			1000: {ID: 1000, Label: "valve1", OwnerKind: core.OwnerPLC, OwnerID: 1, Category: core.CategoryWrite, Type: core.TypeDigital, Address: 40105},
			1001: {ID: 1001, Label: "setpoint", OwnerKind: core.OwnerPLC, OwnerID: 1, Category: core.CategoryWrite, Type: core.TypeInteger, Address: 40200},
			1002: {ID: 1002, Label: "dup", OwnerKind: core.OwnerPLC, OwnerID: 1, Category: core.CategoryWrite, Type: core.TypeDigital, Address: 40106},
			1003: {ID: 1003, Label: "dup", OwnerKind: core.OwnerPLC, OwnerID: 1, Category: core.CategoryWrite, Type: core.TypeDigital, Address: 40107},
			1004: {ID: 1004, Label: "readonly", OwnerKind: core.OwnerPLC, OwnerID: 1, Category: core.CategoryRead, Type: core.TypeInteger, Address: 40300},
		},
		Bits: map[int64][]core.DataPointBit{},
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	tree := testTree()
	executor := NewExecutor(nil, fakeWriter{}, Options{MaxRetries: 0}, nil)
	return NewService(nil, executor, ratelimit.NewMemory(), func() *core.Tree { return tree }, 30, nil)
}

func bitPtr(i int) *int { return &i }

func TestCreate_UnknownPLC(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.TODO(), CreateParams{PLCName: "nope", DataPointRef: "db-dp:1000"})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCreate_UnknownDataPoint(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.TODO(), CreateParams{PLCName: "plc-a", DataPointRef: "db-dp:9999"})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCreate_ReadOnlyDataPointRejected(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.TODO(), CreateParams{PLCName: "plc-a", DataPointRef: "db-dp:1004", Value: 1})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCreate_DigitalBitOutOfRange(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.TODO(), CreateParams{
		PLCName: "plc-a", DataPointRef: "db-dp:1000", Kind: "bit", Bit: bitPtr(20), Value: 1,
	})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCreate_DigitalMissingBit(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.TODO(), CreateParams{PLCName: "plc-a", DataPointRef: "db-dp:1000", Kind: "bit", Value: 1})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCreate_DigitalValueMustBeZeroOrOne(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.TODO(), CreateParams{
		PLCName: "plc-a", DataPointRef: "db-dp:1000", Kind: "bit", Bit: bitPtr(0), Value: 5,
	})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCreate_IntegerValueOutOfRange(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.TODO(), CreateParams{PLCName: "plc-a", DataPointRef: "db-dp:1001", Value: 70000})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCreate_RateLimitExceeded(t *testing.T) {
	tree := testTree()
	executor := NewExecutor(nil, fakeWriter{}, Options{MaxRetries: 0}, nil)
	s := NewService(nil, executor, ratelimit.NewMemory(), func() *core.Tree { return tree }, 1, nil)

	// First call fails on validation (bad bit), but the rate limit check
	// happens before datapoint resolution, so it still consumes the slot.
	_, _ = s.Create(context.TODO(), CreateParams{PLCName: "plc-a", DataPointRef: "db-dp:1000", Kind: "bit", Bit: bitPtr(0), Value: 5})
	_, err := s.Create(context.TODO(), CreateParams{PLCName: "plc-a", DataPointRef: "db-dp:1000", Kind: "bit", Bit: bitPtr(0), Value: 5})
	require.Error(t, err)
	assert.IsType(t, &RateLimitError{}, err)
}

func TestResolveDataPoint_LegacyLabelSingleMatch(t *testing.T) {
	s := newTestService(t)
	dp, err := s.resolveDataPoint("plc-a", "valve1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), dp.ID)
}

func TestResolveDataPoint_LegacyLabelAmbiguous(t *testing.T) {
	s := newTestService(t)
	_, err := s.resolveDataPoint("plc-a", "dup")
	require.Error(t, err)
	ambErr, ok := err.(*AmbiguousRefError)
	require.True(t, ok, "expected AmbiguousRefError, got %T", err)
	assert.ElementsMatch(t, []int64{1002, 1003}, ambErr.Candidates)
}

func TestResolveDataPoint_LegacyLabelNotFound(t *testing.T) {
	s := newTestService(t)
	_, err := s.resolveDataPoint("plc-a", "ghost")
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestResolveDataPoint_CanonicalRefNonWritable(t *testing.T) {
	s := newTestService(t)
	_, err := s.resolveDataPoint("plc-a", "db-dp:1004")
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}
