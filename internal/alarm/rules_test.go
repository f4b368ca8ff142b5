package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func f(v float64) *float64 { return &v }

func TestEvaluateRule_Above(t *testing.T) {
	rule := Rule{
		Enabled:          true,
		Comparison:       Above,
		WarningEnabled:   true,
		WarningThreshold: f(80),
		AlarmThreshold:   f(100),
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, StateOK, EvaluateRule(rule, 50, now))
	assert.Equal(t, StateWarning, EvaluateRule(rule, 85, now))
	assert.Equal(t, StateAlarm, EvaluateRule(rule, 101, now))
}

func TestEvaluateRule_Below(t *testing.T) {
	rule := Rule{
		Enabled:          true,
		Comparison:       Below,
		WarningEnabled:   true,
		WarningThreshold: f(20),
		AlarmThreshold:   f(10),
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, StateOK, EvaluateRule(rule, 50, now))
	assert.Equal(t, StateWarning, EvaluateRule(rule, 15, now))
	assert.Equal(t, StateAlarm, EvaluateRule(rule, 5, now))
}

func TestEvaluateRule_OutsideRange(t *testing.T) {
	rule := Rule{
		Enabled:        true,
		Comparison:     OutsideRange,
		WarningEnabled: true,
		WarningLow:     f(10), WarningHigh: f(90),
		AlarmLow: f(0), AlarmHigh: f(100),
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, StateOK, EvaluateRule(rule, 50, now))
	assert.Equal(t, StateWarning, EvaluateRule(rule, 5, now))
	assert.Equal(t, StateAlarm, EvaluateRule(rule, -1, now))
}

func TestEvaluateRule_InsideRange(t *testing.T) {
	rule := Rule{
		Enabled:        true,
		Comparison:     InsideRange,
		WarningEnabled: true,
		WarningLow:     f(40), WarningHigh: f(60),
		AlarmLow: f(45), AlarmHigh: f(55),
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, StateOK, EvaluateRule(rule, 100, now))
	assert.Equal(t, StateWarning, EvaluateRule(rule, 42, now))
	assert.Equal(t, StateAlarm, EvaluateRule(rule, 50, now))
}

func TestEvaluateRule_Disabled(t *testing.T) {
	rule := Rule{Enabled: false, Comparison: Above, AlarmThreshold: f(10)}
	assert.Equal(t, StateOK, EvaluateRule(rule, 999, time.Now().UTC()))
}

func TestEvaluateRule_MalformedNeverAlarms(t *testing.T) {
	rule := Rule{
		Enabled:          true,
		Comparison:       Above,
		WarningEnabled:   true,
		WarningThreshold: f(100), // warning >= alarm, malformed
		AlarmThreshold:   f(50),
	}
	assert.Equal(t, StateOK, EvaluateRule(rule, 1000, time.Now().UTC()))
}

func TestRule_Malformed(t *testing.T) {
	assert.True(t, Rule{Comparison: Above, WarningEnabled: true, WarningThreshold: f(100), AlarmThreshold: f(50)}.Malformed())
	assert.False(t, Rule{Comparison: Above, WarningEnabled: true, WarningThreshold: f(10), AlarmThreshold: f(50)}.Malformed())
	assert.True(t, Rule{Comparison: OutsideRange, AlarmLow: f(10), AlarmHigh: f(5)}.Malformed())
	assert.True(t, Rule{Comparison: InsideRange, AlarmLow: nil, AlarmHigh: f(5)}.Malformed())
	assert.False(t, Rule{Comparison: InsideRange, AlarmLow: f(0), AlarmHigh: f(5)}.Malformed())
}

func TestEvaluateRule_OutsideSchedule_ForcesOK(t *testing.T) {
	rule := Rule{
		Enabled:        true,
		Comparison:     Above,
		AlarmThreshold: f(10),
		Schedule: &Schedule{
			Enabled:   true,
			StartTime: "08:00",
			EndTime:   "17:00",
			Timezone:  "UTC",
		},
	}
	nightTime := time.Date(2026, 7, 31, 22, 0, 0, 0, time.UTC)
	dayTime := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, StateOK, EvaluateRule(rule, 999, nightTime), "outside schedule window must mute the rule")
	assert.Equal(t, StateAlarm, EvaluateRule(rule, 999, dayTime))
}

func TestEvaluateRule_BadScheduleTimezone_TreatedAsAlwaysOn(t *testing.T) {
	rule := Rule{
		Enabled:        true,
		Comparison:     Above,
		AlarmThreshold: f(10),
		Schedule: &Schedule{
			Enabled:   true,
			StartTime: "08:00",
			EndTime:   "17:00",
			Timezone:  "Not/A_Real_Zone",
		},
	}
	assert.Equal(t, StateAlarm, EvaluateRule(rule, 999, time.Date(2026, 7, 31, 2, 0, 0, 0, time.UTC)))
}

func TestStableKey_DeterministicAndSourceScoped(t *testing.T) {
	a := StableKey("modbus", "dp-1000")
	b := StableKey("modbus", "dp-1000")
	c := StableKey("other", "dp-1000")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "same raw key under a different source must hash differently")
}
