// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

// Package status implements the per-scan status ledger. A scan never stores a
// status field directly; it stores an append-only log of status events and the
// current status is computed from that log. This keeps status changes
// commutative and idempotent under the out-of-order, at-least-once delivery we
// get from the analysis backend.
package status

import (
	"fmt"
	"time"
)

// Code is a scan status value. Codes below the terminal range form a totally
// ordered success path; codes at Cancelled and above are terminal markers
// that override any success-path progress.
type Code int

// Success path codes, in advancing order, followed by the terminal markers.
const (
	Empty     Code = 10
	Ready     Code = 20
	Uploaded  Code = 30
	Launched  Code = 40
	Processed Code = 50
	Finished  Code = 60

	Cancelled        Code = 100
	ErrorFtpUpload   Code = 110
	ErrorProbeResult Code = 120
)

var labels = map[Code]string{
	Empty:            "empty",
	Ready:            "ready",
	Uploaded:         "uploaded",
	Launched:         "launched",
	Processed:        "processed",
	Finished:         "finished",
	Cancelled:        "cancelled",
	ErrorFtpUpload:   "error_ftp_upload",
	ErrorProbeResult: "error_probe_result",
}

func (c Code) String() string {
	if l, ok := labels[c]; ok {
		return l
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// Known reports whether c is one of the defined status codes.
func Known(c Code) bool {
	_, ok := labels[c]
	return ok
}

// FromLabel maps a status label string, as used on the wire by the analysis
// backend, back to its code.
func FromLabel(label string) (Code, bool) {
	for c, l := range labels {
		if l == label {
			return c, true
		}
	}
	return 0, false
}

// Terminal reports whether c is a terminal marker (cancelled or an error
// status). Terminal markers are authoritative: once one is in the log, the
// computed status never drops below it again.
func (c Code) Terminal() bool {
	return c >= Cancelled
}

// IsError reports whether c is one of the error terminal markers.
func (c Code) IsError() bool {
	return c > Cancelled
}

// Event is one entry of a scan's status log.
type Event struct {
	Status    Code
	Timestamp time.Time
}

// Append records c in the event log unless an event with the same status is
// already present. It returns the updated log and whether a new event was
// actually recorded, so that side effects tied to a transition (e.g. a
// backend flush on finished) run exactly once.
func Append(events []Event, c Code) ([]Event, bool) {
	for _, evt := range events {
		if evt.Status == c {
			return events, false
		}
	}
	return append(events, Event{Status: c, Timestamp: time.Now().UTC()}), true
}

// Compute derives the current status from the event log: the maximum
// success-path event, unless any terminal marker is present, in which case
// the maximum terminal marker wins regardless of later success events.
func Compute(events []Event) Code {
	var cur, term Code
	for _, evt := range events {
		if evt.Status.Terminal() {
			if evt.Status > term {
				term = evt.Status
			}
		} else if evt.Status > cur {
			cur = evt.Status
		}
	}
	if term != 0 {
		return term
	}
	return cur
}

// TransitionError reports an operation attempted while the scan was not in
// the status window the operation requires.
type TransitionError struct {
	Current Code
	Min     Code
	Max     Code
}

func (e *TransitionError) Error() string {
	if e.Min == e.Max {
		return fmt.Sprintf("operation requires scan status %s, current status is %s",
			e.Min, e.Current)
	}
	return fmt.Sprintf("operation requires scan status between %s and %s, current status is %s",
		e.Min, e.Max, e.Current)
}

// Filter validates that current lies within [min, max] on the success path.
// It returns a *TransitionError otherwise; the caller must not mutate the
// scan in that case.
func Filter(current, min, max Code) error {
	if current < min || current > max {
		return &TransitionError{Current: current, Min: min, Max: max}
	}
	return nil
}
