package recurrence

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, it *Iterator, limit int) []Occurrence {
	t.Helper()
	var out []Occurrence
	for i := 0; i < limit; i++ {
		o, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, o)
	}
	return out
}

func TestEngine_Iterate(t *testing.T) {
	engine := NewEngine(DefaultOptions)

	// Base series: daily 9-10 AM starting Jan 1, 2024
	masterStart := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	masterEnd := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		series   Series
		expected []time.Time
	}{
		{
			name:     "Non-recurring yields its own window once",
			series:   Series{Start: masterStart, End: masterEnd},
			expected: []time.Time{masterStart},
		},
		{
			name: "Daily with count",
			series: Series{Start: masterStart, End: masterEnd, Info: RecurrenceInfo{
				RRULE: "FREQ=DAILY;COUNT=3",
			}},
			expected: []time.Time{masterStart, masterStart.AddDate(0, 0, 1), masterStart.AddDate(0, 0, 2)},
		},
		{
			name: "EXDATE removes an occurrence",
			series: Series{Start: masterStart, End: masterEnd, Info: RecurrenceInfo{
				RRULE:  "FREQ=DAILY;COUNT=3",
				EXDATE: []time.Time{masterStart.AddDate(0, 0, 1)},
			}},
			expected: []time.Time{masterStart, masterStart.AddDate(0, 0, 2)},
		},
		{
			name: "Date-only EXDATE matches the whole day",
			series: Series{Start: masterStart, End: masterEnd, Info: RecurrenceInfo{
				RRULE:  "FREQ=DAILY;COUNT=3",
				EXDATE: []time.Time{time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
			}},
			expected: []time.Time{masterStart, masterStart.AddDate(0, 0, 2)},
		},
		{
			name: "RDATE adds an occurrence",
			series: Series{Start: masterStart, End: masterEnd, Info: RecurrenceInfo{
				RDATE: []time.Time{masterStart.AddDate(0, 0, 5)},
			}},
			expected: []time.Time{masterStart, masterStart.AddDate(0, 0, 5)},
		},
		{
			name: "Moved override is merged in start order",
			series: Series{Start: masterStart, End: masterEnd,
				Info: RecurrenceInfo{RRULE: "FREQ=DAILY;COUNT=3"},
				Overrides: []Override{{
					RecurrenceID: masterStart,
					Start:        masterStart.AddDate(0, 0, 1).Add(3 * time.Hour),
					End:          masterStart.AddDate(0, 0, 1).Add(4 * time.Hour),
				}},
			},
			expected: []time.Time{
				masterStart.AddDate(0, 0, 1),
				masterStart.AddDate(0, 0, 1).Add(3 * time.Hour),
				masterStart.AddDate(0, 0, 2),
			},
		},
		{
			name: "Skipped override removes the occurrence",
			series: Series{Start: masterStart, End: masterEnd,
				Info:      RecurrenceInfo{RRULE: "FREQ=DAILY;COUNT=3"},
				Overrides: []Override{{RecurrenceID: masterStart.AddDate(0, 0, 2), Skip: true}},
			},
			expected: []time.Time{masterStart, masterStart.AddDate(0, 0, 1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := engine.Iterate(tt.series)
			require.NoError(t, err)

			occ := collect(t, it, 100)
			starts := make([]time.Time, 0, len(occ))
			for _, o := range occ {
				starts = append(starts, o.Start)
				assert.Equal(t, time.Hour, o.End.Sub(o.Start))
			}
			assert.Equal(t, tt.expected, starts)
		})
	}
}

func TestEngine_IterateInfiniteIsLazy(t *testing.T) {
	engine := NewEngine(DefaultOptions)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	it, err := engine.Iterate(Series{Start: start, End: start.Add(time.Hour), Info: RecurrenceInfo{RRULE: "FREQ=WEEKLY"}})
	require.NoError(t, err)

	occ := collect(t, it, 10)
	require.Len(t, occ, 10)
	assert.Equal(t, start.AddDate(0, 0, 63), occ[9].Start)
}

func TestEngine_IterateInvalidRule(t *testing.T) {
	engine := NewEngine(DefaultOptions)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	_, err := engine.Iterate(Series{Start: start, End: start, Info: RecurrenceInfo{RRULE: "FREQ=SOMETIMES"}})
	assert.Error(t, err)
}

func TestEngine_OccursAt(t *testing.T) {
	engine := NewEngine(DefaultOptions)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	series := Series{Start: start, End: start.Add(time.Hour), Info: RecurrenceInfo{RRULE: "FREQ=WEEKLY;BYDAY=MO"}}

	ok, err := engine.OccursAt(series, start.AddDate(0, 0, 14))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.OccursAt(series, start.AddDate(0, 0, 15))
	require.NoError(t, err)
	assert.False(t, ok)

	// far beyond the walk bound counted from the series start
	daily := Series{Start: start, End: start.Add(time.Hour), Info: RecurrenceInfo{RRULE: "FREQ=DAILY"}}
	ok, err = engine.OccursAt(daily, start.AddDate(5, 0, 0))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTruncateRule(t *testing.T) {
	cut := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	rule, err := TruncateRule("FREQ=DAILY;COUNT=100", cut)
	require.NoError(t, err)
	assert.Contains(t, rule, "UNTIL=20240309T235959Z")
	assert.NotContains(t, rule, "COUNT")

	engine := NewEngine(DefaultOptions)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	it, err := engine.Iterate(Series{Start: start, End: start.Add(time.Hour), Info: RecurrenceInfo{RRULE: rule}})
	require.NoError(t, err)
	occ := collect(t, it, 100)
	require.Len(t, occ, 9)
	assert.Equal(t, time.Date(2024, 3, 9, 9, 0, 0, 0, time.UTC), occ[8].Start)
}

func TestExtractRecurrenceInfoFromComponent(t *testing.T) {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	comp.Props.SetDateTime(ical.PropDateTimeEnd, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	rrule := ical.NewProp(ical.PropRecurrenceRule)
	rrule.Value = "FREQ=DAILY;COUNT=5"
	comp.Props.Set(rrule)

	exdate := ical.NewProp(ical.PropExceptionDates)
	exdate.Value = "20240102T090000Z,20240103T090000Z"
	comp.Props.Add(exdate)
	exdate2 := ical.NewProp(ical.PropExceptionDates)
	exdate2.Params.Set(ical.ParamValue, "DATE")
	exdate2.Value = "20240105"
	comp.Props.Add(exdate2)

	rid := ical.NewProp(propRecurrenceID)
	rid.Params.Set("RANGE", "THISANDFUTURE")
	rid.Value = "20240104T090000Z"
	comp.Props.Set(rid)

	info := ExtractRecurrenceInfoFromComponent(comp)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", info.RRULE)
	require.Len(t, info.EXDATE, 3)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), info.EXDATE[2])
	require.NotNil(t, info.RecurrenceID)
	assert.True(t, info.RecurrenceID.Equal(time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)))
	assert.True(t, info.ThisAndFuture)

	start, end, ok := ExtractBasicTimeInfoFromComponent(comp)
	require.True(t, ok)
	assert.Equal(t, time.Hour, end.Sub(start))
}

func TestExtractBasicTimeInfo_TaskDue(t *testing.T) {
	comp := ical.NewComponent(ical.CompToDo)
	due := time.Date(2024, 2, 1, 17, 0, 0, 0, time.UTC)
	comp.Props.SetDateTime(ical.PropDue, due)

	start, end, ok := ExtractBasicTimeInfoFromComponent(comp)
	require.True(t, ok)
	assert.Equal(t, due, start)
	assert.Equal(t, due, end)
}

func TestExtractBasicTimeInfo(t *testing.T) {
	start := time.Date(2024, 7, 13, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		build   func(comp *ical.Component)
		wantEnd time.Time
		wantOK  bool
	}{
		{
			name: "DTEND",
			build: func(comp *ical.Component) {
				comp.Props.SetDateTime(ical.PropDateTimeStart, start)
				comp.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(2*time.Hour))
			},
			wantEnd: start.Add(2 * time.Hour),
			wantOK:  true,
		},
		{
			name: "DURATION",
			build: func(comp *ical.Component) {
				comp.Props.SetDateTime(ical.PropDateTimeStart, start)
				p := ical.NewProp(ical.PropDuration)
				p.Value = "PT1H30M"
				comp.Props.Set(p)
			},
			wantEnd: start.Add(90 * time.Minute),
			wantOK:  true,
		},
		{
			name: "DATE without end lasts one day",
			build: func(comp *ical.Component) {
				comp.Props.SetDate(ical.PropDateTimeStart, time.Date(2024, 7, 13, 0, 0, 0, 0, time.UTC))
			},
			wantEnd: time.Date(2024, 7, 14, 0, 0, 0, 0, time.UTC),
			wantOK:  true,
		},
		{
			name: "DATE-TIME without end is an instant",
			build: func(comp *ical.Component) {
				comp.Props.SetDateTime(ical.PropDateTimeStart, start)
			},
			wantEnd: start,
			wantOK:  true,
		},
		{
			name:   "no DTSTART",
			build:  func(comp *ical.Component) {},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := ical.NewComponent(ical.CompEvent)
			tt.build(comp)
			_, end, ok := ExtractBasicTimeInfoFromComponent(comp)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.True(t, tt.wantEnd.Equal(end), "end %s", end)
			}
		})
	}
}

func TestIterator_SkipUntil(t *testing.T) {
	engine := NewEngine(Options{MaxOccurrences: 10})
	start := time.Date(2000, 1, 1, 9, 0, 0, 0, time.UTC)
	series := Series{
		Start: start,
		End:   start.Add(time.Hour),
		Info:  RecurrenceInfo{RRULE: "FREQ=DAILY"},
		Overrides: []Override{{
			RecurrenceID: start.AddDate(0, 0, 1),
			Start:        start.AddDate(0, 0, 1).Add(2 * time.Hour),
			End:          start.AddDate(0, 0, 1).Add(3 * time.Hour),
		}},
	}
	it, err := engine.Iterate(series)
	require.NoError(t, err)

	it.SkipUntil(time.Date(2024, 7, 13, 9, 30, 0, 0, time.UTC))
	occ := collect(t, it, 2)
	require.Len(t, occ, 2)
	assert.Equal(t, time.Date(2024, 7, 13, 9, 0, 0, 0, time.UTC), occ[0].Start)
	assert.Equal(t, time.Date(2024, 7, 14, 9, 0, 0, 0, time.UTC), occ[1].Start)
}
