package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandInstancesNonRecurring(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	occurrences, err := engine.ExpandInstances(
		start, end, RecurrenceInfo{},
		time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC),
		0)
	require.NoError(t, err)
	require.Len(t, occurrences, 1)
	assert.Equal(t, start, occurrences[0].Start)
	assert.Equal(t, end, occurrences[0].End)
}

func TestExpandInstancesOutsideRange(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	occurrences, err := engine.ExpandInstances(
		start, start.Add(time.Hour), RecurrenceInfo{},
		time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC),
		0)
	require.NoError(t, err)
	assert.Empty(t, occurrences)
}

func TestExpandInstancesDailyRule(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	occurrences, err := engine.ExpandInstances(
		start, start.Add(time.Hour),
		RecurrenceInfo{RRULE: "FREQ=DAILY;COUNT=10"},
		time.Date(2025, 9, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 9, 6, 0, 0, 0, 0, time.UTC),
		0)
	require.NoError(t, err)
	require.Len(t, occurrences, 3)
	assert.Equal(t, time.Date(2025, 9, 3, 10, 0, 0, 0, time.UTC), occurrences[0].Start)
	assert.Equal(t, time.Date(2025, 9, 5, 10, 0, 0, 0, time.UTC), occurrences[2].Start)
}

func TestExpandInstancesExDate(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	occurrences, err := engine.ExpandInstances(
		start, start.Add(time.Hour),
		RecurrenceInfo{
			RRULE:  "FREQ=DAILY;COUNT=5",
			EXDATE: []time.Time{time.Date(2025, 9, 3, 10, 0, 0, 0, time.UTC)},
		},
		time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC),
		0)
	require.NoError(t, err)
	require.Len(t, occurrences, 4)
	for _, occ := range occurrences {
		assert.NotEqual(t, time.Date(2025, 9, 3, 10, 0, 0, 0, time.UTC), occ.Start)
	}
}

func TestExpandInstancesDateOnlyExDate(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	// A date-only EXDATE (midnight UTC) excludes any occurrence on that day.
	occurrences, err := engine.ExpandInstances(
		start, start.Add(time.Hour),
		RecurrenceInfo{
			RRULE:  "FREQ=DAILY;COUNT=3",
			EXDATE: []time.Time{time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC)},
		},
		time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC),
		0)
	require.NoError(t, err)
	require.Len(t, occurrences, 2)
}

func TestExpandInstancesRDate(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	extra := time.Date(2025, 9, 7, 15, 0, 0, 0, time.UTC)

	occurrences, err := engine.ExpandInstances(
		start, start.Add(time.Hour),
		RecurrenceInfo{RDATE: []time.Time{extra}},
		time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC),
		0)
	require.NoError(t, err)
	require.Len(t, occurrences, 2)
	assert.Equal(t, extra, occurrences[1].Start)
}

func TestExpandInstancesCapExceeded(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	_, err := engine.ExpandInstances(
		start, start.Add(time.Hour),
		RecurrenceInfo{RRULE: "FREQ=DAILY"},
		time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyInstances)
}

func TestExpandInstancesInvalidRule(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	_, err := engine.ExpandInstances(
		start, start.Add(time.Hour),
		RecurrenceInfo{RRULE: "FREQ=BOGUS"},
		start, start.Add(24*time.Hour),
		0)
	assert.Error(t, err)
}
