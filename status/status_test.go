// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package status

import (
	"testing"
)

func TestComputeAdvances(t *testing.T) {
	var events []Event
	for _, c := range []Code{Empty, Ready, Uploaded, Launched, Finished} {
		events, _ = Append(events, c)
		if got := Compute(events); got != c {
			t.Fatalf("expected %s, got %s", c, got)
		}
	}
}

func TestComputeIgnoresStaleEvents(t *testing.T) {
	events, _ := Append(nil, Empty)
	events, _ = Append(events, Ready)
	events, _ = Append(events, Launched)
	// a late "uploaded" notification must not move the status backward
	events, changed := Append(events, Uploaded)
	if !changed {
		t.Fatal("audit event should still be recorded")
	}
	if got := Compute(events); got != Launched {
		t.Fatalf("expected launched, got %s", got)
	}
}

func TestComputeCommutative(t *testing.T) {
	codes := []Code{Empty, Ready, Uploaded, Launched, Finished}
	perms := [][]Code{
		{Finished, Empty, Launched, Ready, Uploaded},
		{Uploaded, Finished, Ready, Launched, Empty},
		{Launched, Uploaded, Finished, Empty, Ready},
	}
	var want []Event
	for _, c := range codes {
		want, _ = Append(want, c)
	}
	for _, perm := range perms {
		var events []Event
		for _, c := range perm {
			events, _ = Append(events, c)
		}
		if Compute(events) != Compute(want) {
			t.Fatalf("reordering changed computed status: %v", perm)
		}
	}
}

func TestAppendIdempotent(t *testing.T) {
	events, changed := Append(nil, Ready)
	if !changed {
		t.Fatal("first append should record an event")
	}
	events, changed = Append(events, Ready)
	if changed {
		t.Fatal("duplicate append should be a no-op")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestTerminalOverride(t *testing.T) {
	events, _ := Append(nil, Ready)
	events, _ = Append(events, Cancelled)
	if got := Compute(events); got != Cancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	// forward progress events after a terminal marker are kept for audit but
	// must not change the computed status
	events, changed := Append(events, Finished)
	if !changed {
		t.Fatal("late event should still be recorded")
	}
	if got := Compute(events); got != Cancelled {
		t.Fatalf("expected cancelled after late finished, got %s", got)
	}
	// a higher-numbered terminal marker may still be reported
	events, _ = Append(events, ErrorFtpUpload)
	if got := Compute(events); got != ErrorFtpUpload {
		t.Fatalf("expected error_ftp_upload, got %s", got)
	}
}

func TestFilter(t *testing.T) {
	if err := Filter(Ready, Empty, Ready); err != nil {
		t.Fatal(err)
	}
	if err := Filter(Ready, Ready, Ready); err != nil {
		t.Fatal(err)
	}
	err := Filter(Uploaded, Ready, Ready)
	if err == nil {
		t.Fatal("expected transition error")
	}
	te, ok := err.(*TransitionError)
	if !ok {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if te.Current != Uploaded {
		t.Fatalf("unexpected current status in error: %s", te.Current)
	}
}

func TestLabels(t *testing.T) {
	if Finished.String() != "finished" {
		t.Fail()
	}
	if ErrorFtpUpload.String() != "error_ftp_upload" {
		t.Fail()
	}
	if !Cancelled.Terminal() || Cancelled.IsError() {
		t.Fail()
	}
	if !ErrorProbeResult.IsError() {
		t.Fail()
	}
	if Known(Code(42)) {
		t.Fail()
	}
}
