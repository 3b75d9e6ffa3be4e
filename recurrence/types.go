package recurrence

import (
	"time"
)

// RecurrenceInfo contains all recurrence-related information for an object
type RecurrenceInfo struct {
	RRULE         string      // The RRULE string (without "RRULE:" prefix)
	RDATE         []time.Time // Additional recurrence dates
	EXDATE        []time.Time // Exception dates (excluded occurrences)
	RecurrenceID  *time.Time  // For exception instances - which occurrence this overrides
	ThisAndFuture bool        // RANGE=THISANDFUTURE on RECURRENCE-ID
}

// Occurrence represents a single occurrence of a series in time
type Occurrence struct {
	Start        time.Time // Start time of this occurrence
	End          time.Time // End time of this occurrence
	RecurrenceID time.Time // The original start this occurrence stands for
	IsException  bool      // True if an override replaced the generated occurrence
}

// Override replaces the generated occurrence identified by RecurrenceID.
type Override struct {
	RecurrenceID time.Time
	Start        time.Time
	End          time.Time
	// Skip removes the occurrence without putting anything in its place
	// (cancelled or free instances).
	Skip bool
}

// Series describes a master window plus its recurrence data and overrides.
type Series struct {
	Start     time.Time
	End       time.Time
	Info      RecurrenceInfo
	Overrides []Override
}

// Options bounds how far a caller walks an iterator
type Options struct {
	MaxOccurrences int           // Maximum number of occurrences to visit (0 = unlimited)
	MaxTimeSpan    time.Duration // Maximum span past the series start (0 = unlimited)
}

// DefaultOptions provides sensible defaults for walking series
var DefaultOptions = Options{
	MaxOccurrences: 1000,                     // Reasonable limit to prevent endless walks
	MaxTimeSpan:    365 * 24 * time.Hour * 2, // 2 years
}
