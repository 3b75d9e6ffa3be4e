// Package conflict decides whether two calendar objects occupy overlapping time.
package conflict

import (
	"io"
	"log/slog"
	"time"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/recurrence"
)

// Detector compares calendar objects occurrence by occurrence.
type Detector struct {
	engine *recurrence.Engine
	logger *slog.Logger
}

// NewDetector returns a detector bounded by opts. A nil logger discards output.
func NewDetector(opts recurrence.Options, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{engine: recurrence.NewEngine(opts), logger: logger}
}

// Engine exposes the recurrence engine shared by the detector
func (d *Detector) Engine() *recurrence.Engine {
	return d.engine
}

// Overlaps reports whether the half-open windows [s1,e1) and [s2,e2)
// intersect. Zero-length windows never intersect anything.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	if !s1.Before(e1) || !s2.Before(e2) {
		return false
	}
	return s1.Before(e2) && s2.Before(e1)
}

// Conflicts reports whether any occurrence of a overlaps any occurrence of b.
// Objects sharing a UID never conflict, neither do free or cancelled ones.
func (d *Detector) Conflicts(a, b *calendar.Object) bool {
	if a.UID == b.UID || !a.Blocks() || !b.Blocks() {
		return false
	}

	sa, sb := a.Series(), b.Series()
	ia, err := d.engine.Iterate(sa)
	if err != nil {
		d.logger.Warn("cannot expand recurrence", "uid", a.UID, "error", err)
		return false
	}
	ib, err := d.engine.Iterate(sb)
	if err != nil {
		d.logger.Warn("cannot expand recurrence", "uid", b.UID, "error", err)
		return false
	}

	// Nothing of one side can overlap the other before the other's first
	// occurrence, so walk bounds only apply from there.
	firstA, firstB := earliest(sa), earliest(sb)
	ia.SkipUntil(firstB)
	ib.SkipUntil(firstA)

	opts := d.engine.Options()
	var horizon time.Time
	if opts.MaxTimeSpan > 0 {
		later := firstA
		if firstB.After(firstA) {
			later = firstB
		}
		horizon = later.Add(opts.MaxTimeSpan)
	}

	oa, okA := ia.Next()
	ob, okB := ib.Next()
	for steps := 0; okA && okB; steps++ {
		if Overlaps(oa.Start, oa.End, ob.Start, ob.End) {
			d.logger.Debug("conflict found", "uid", a.UID, "other", b.UID,
				"start", oa.Start, "other_start", ob.Start)
			return true
		}
		if opts.MaxOccurrences > 0 && steps >= opts.MaxOccurrences {
			break
		}
		if !horizon.IsZero() && oa.Start.After(horizon) && ob.Start.After(horizon) {
			break
		}
		// advance whichever side ends first
		if !oa.End.After(ob.End) {
			oa, okA = ia.Next()
		} else {
			ob, okB = ib.Next()
		}
	}
	return false
}

// earliest returns the first instant any occurrence of s can start at
func earliest(s recurrence.Series) time.Time {
	first := s.Start
	for _, t := range s.Info.RDATE {
		if t.Before(first) {
			first = t
		}
	}
	for _, o := range s.Overrides {
		if !o.Skip && o.Start.Before(first) {
			first = o.Start
		}
	}
	return first
}

// ConflictingUIDs returns the UIDs of the objects in others that conflict with obj.
func (d *Detector) ConflictingUIDs(obj *calendar.Object, others []*calendar.Object) []string {
	var uids []string
	for _, other := range others {
		if d.Conflicts(obj, other) {
			uids = append(uids, other.UID)
		}
	}
	return uids
}
