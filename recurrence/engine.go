package recurrence

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// Engine expands series lazily. It never materialises more occurrences than
// a caller consumes.
type Engine struct {
	opts Options
}

// NewEngine creates a new recurrence engine instance
func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Options returns the walk bounds the engine was created with
func (e *Engine) Options() Options {
	return e.opts
}

// Iterator yields the occurrences of a series in start order.
type Iterator struct {
	engine     *Engine
	next       func() (time.Time, bool)
	duration   time.Duration
	exdates    []time.Time
	overridden map[int64]bool
	pending    []Occurrence
	// from drops occurrences ending at or before it, see SkipUntil
	from time.Time

	base       Occurrence
	baseOK     bool
	baseLoaded bool
}

// Iterate prepares an iterator over s. Generated occurrences that are
// excluded or overridden are dropped; override windows are merged in order.
func (e *Engine) Iterate(s Series) (*Iterator, error) {
	it := &Iterator{
		engine:     e,
		duration:   s.End.Sub(s.Start),
		exdates:    s.Info.EXDATE,
		overridden: make(map[int64]bool, len(s.Overrides)),
	}
	if it.duration < 0 {
		it.duration = 0
	}

	for _, o := range s.Overrides {
		it.overridden[o.RecurrenceID.Unix()] = true
		if o.Skip {
			continue
		}
		it.pending = append(it.pending, Occurrence{
			Start:        o.Start,
			End:          o.End,
			RecurrenceID: o.RecurrenceID,
			IsException:  true,
		})
	}
	sort.SliceStable(it.pending, func(i, j int) bool {
		return it.pending[i].Start.Before(it.pending[j].Start)
	})

	switch {
	case s.Info.RRULE != "" || len(s.Info.RDATE) > 0:
		set := &rrule.Set{}
		if s.Info.RRULE != "" {
			r, err := rrule.StrToRRule(s.Info.RRULE)
			if err != nil {
				return nil, fmt.Errorf("failed to parse RRULE '%s': %w", s.Info.RRULE, err)
			}
			r.DTStart(s.Start)
			set.RRule(r)
		} else {
			set.RDate(s.Start)
		}
		for _, rdate := range s.Info.RDATE {
			set.RDate(rdate)
		}
		it.next = set.Iterator()
	default:
		done := false
		start := s.Start
		it.next = func() (time.Time, bool) {
			if done {
				return time.Time{}, false
			}
			done = true
			return start, true
		}
	}
	return it, nil
}

// Next returns the next occurrence, or false once the series is exhausted.
func (it *Iterator) Next() (Occurrence, bool) {
	if !it.baseLoaded {
		it.base, it.baseOK = it.nextBase()
		it.baseLoaded = true
	}
	if len(it.pending) > 0 && (!it.baseOK || it.pending[0].Start.Before(it.base.Start)) {
		o := it.pending[0]
		it.pending = it.pending[1:]
		return o, true
	}
	if !it.baseOK {
		return Occurrence{}, false
	}
	it.baseLoaded = false
	return it.base, true
}

// SkipUntil fast-forwards the iterator past every occurrence that ends at
// or before t. Skipped occurrences do not count towards any walk bound of
// the caller.
func (it *Iterator) SkipUntil(t time.Time) {
	if t.After(it.from) {
		it.from = t
	}
	if it.baseLoaded && it.baseOK && !it.base.End.After(it.from) {
		it.baseLoaded = false
	}
	kept := it.pending[:0]
	for _, o := range it.pending {
		if o.End.After(it.from) {
			kept = append(kept, o)
		}
	}
	it.pending = kept
}

func (it *Iterator) nextBase() (Occurrence, bool) {
	for {
		t, ok := it.next()
		if !ok {
			return Occurrence{}, false
		}
		if it.overridden[t.Unix()] || it.engine.isExcluded(t, it.exdates) {
			continue
		}
		if !it.from.IsZero() && !t.Add(it.duration).After(it.from) {
			continue
		}
		return Occurrence{Start: t, End: t.Add(it.duration), RecurrenceID: t}, true
	}
}

// OccursAt reports whether the series generates an occurrence starting at t
// (before overrides are applied).
func (e *Engine) OccursAt(s Series, t time.Time) (bool, error) {
	s.Overrides = nil
	it, err := e.Iterate(s)
	if err != nil {
		return false, err
	}
	it.SkipUntil(t.Add(-time.Nanosecond))
	for i := 0; e.opts.MaxOccurrences == 0 || i < e.opts.MaxOccurrences; i++ {
		o, ok := it.Next()
		if !ok || o.Start.After(t) {
			return false, nil
		}
		if o.Start.Equal(t) {
			return true, nil
		}
	}
	return false, nil
}

// TruncateRule ends rule before the occurrence at cut: UNTIL becomes the day
// before cut and COUNT is dropped.
func TruncateRule(rule string, cut time.Time) (string, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return "", fmt.Errorf("failed to parse RRULE '%s': %w", rule, err)
	}
	y, m, d := cut.AddDate(0, 0, -1).Date()
	opt.Until = time.Date(y, m, d, 23, 59, 59, 0, cut.Location()).UTC()
	opt.Count = 0
	return opt.RRuleString(), nil
}

// isExcluded checks if a given time is in the EXDATE list
func (e *Engine) isExcluded(t time.Time, exdates []time.Time) bool {
	for _, exdate := range exdates {
		if t.Equal(exdate) {
			return true
		}

		// Date-only exceptions are stored as midnight UTC and match the whole day
		if exdate.Hour() == 0 && exdate.Minute() == 0 && exdate.Second() == 0 && exdate.Location() == time.UTC {
			occurrenceAtMidnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if occurrenceAtMidnight.Equal(exdate) {
				return true
			}
		}
	}
	return false
}
