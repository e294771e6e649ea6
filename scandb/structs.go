// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package scandb

import (
	"time"

	"github.com/ufausther/irma-frontend/status"
)

// Probe result status values as reported by the analysis backend. An empty
// slot that has not received its completion event yet carries ResultPending.
const (
	ResultPending  = "pending"
	ResultClean    = "clean"
	ResultInfected = "infected"
	ResultError    = "error"
)

// HashInfo contains the hash set computed for each stored file. Sha256 is the
// strong content key; the other hashes are kept for external lookup
// compatibility only.
type HashInfo struct {
	Md5      string
	Sha1     string
	Sha256   string
	Sha512   string
	Sha3_512 string
}

// ProbeResult is one probe outcome slot. It appears in two roles: attached to
// a File as the latest accepted reference result for that probe, and attached
// to a FileWeb as the outcome within one specific scan. ResultID keys the raw
// result payload in the results bucket; an empty ResultID means the slot is
// still waiting for its completion event.
type ProbeResult struct {
	ResultID string
	Name     string
	Type     string
	Status   string
}

// Pending reports whether the slot has not been filled yet.
func (pr ProbeResult) Pending() bool {
	return pr.ResultID == ""
}

// File is a unique byte sequence, stored once regardless of how many scans
// reference it. RefResults holds at most one reference result per probe name
// and is the dedup ground truth across all scans.
type File struct {
	Hashes     HashInfo
	Size       int64
	Path       string
	Mimetype   string
	FirstSeen  time.Time
	LastSeen   time.Time
	Tags       []string
	RefResults map[string]ProbeResult
}

// SetRefResult records pr as the reference result for its probe name,
// replacing any previous one.
func (f *File) SetRefResult(pr ProbeResult) {
	if f.RefResults == nil {
		f.RefResults = make(map[string]ProbeResult)
	}
	f.RefResults[pr.Name] = pr
}

// AddTag adds a tag to the file if not already present.
func (f *File) AddTag(tag string) {
	for _, t := range f.Tags {
		if t == tag {
			return
		}
	}
	f.Tags = append(f.Tags, tag)
}

// FileWeb binds one file to one scan under a client-supplied display name. It
// owns the probe result slots for this (file, scan) pairing. ParentSha256 is
// set for files discovered during analysis (e.g. unpacked archive contents)
// and names the content they were extracted from.
type FileWeb struct {
	ID           string
	Sha256       string
	Name         string
	Dir          string
	ParentSha256 string
	Results      map[string]ProbeResult
}

// SetResult records pr as the slot for its probe name within this
// association, replacing a pending slot or an earlier delivery of the same
// completion event.
func (fw *FileWeb) SetResult(pr ProbeResult) {
	if fw.Results == nil {
		fw.Results = make(map[string]ProbeResult)
	}
	fw.Results[pr.Name] = pr
}

// Scan is one client-initiated unit of work. Events is the append-only status
// log; the current status is always computed from it, never cached.
type Scan struct {
	ExternalID        string
	Date              time.Time
	IP                string
	Events            []status.Event
	Force             bool
	MimetypeFiltering bool
	ResubmitFiles     bool
	ProbeList         []string
	FileWebs          []FileWeb
}

// Status computes the current scan status from the event log.
func (s *Scan) Status() status.Code {
	return status.Compute(s.Events)
}

// SetStatus appends a status event to the log. It reports whether a new event
// was recorded; duplicate deliveries are no-ops.
func (s *Scan) SetStatus(c status.Code) bool {
	var changed bool
	s.Events, changed = status.Append(s.Events, c)
	return changed
}

// FileWebsBySha256 returns all associations of the scan referencing the given
// content hash.
func (s *Scan) FileWebsBySha256(sha256 string) []*FileWeb {
	var out []*FileWeb
	for i := range s.FileWebs {
		if s.FileWebs[i].Sha256 == sha256 {
			out = append(out, &s.FileWebs[i])
		}
	}
	return out
}

// Hashes returns the distinct content hashes referenced by the scan.
func (s *Scan) Hashes() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range s.FileWebs {
		if !seen[s.FileWebs[i].Sha256] {
			seen[s.FileWebs[i].Sha256] = true
			out = append(out, s.FileWebs[i].Sha256)
		}
	}
	return out
}

// Finished reports whether every result slot of every association has been
// filled. A scan without any association is not considered finished.
func (s *Scan) Finished() bool {
	if len(s.FileWebs) == 0 {
		return false
	}
	for i := range s.FileWebs {
		for _, pr := range s.FileWebs[i].Results {
			if pr.Pending() {
				return false
			}
		}
	}
	return true
}

// FileAgent records under which path an unattended agent submitted a file.
type FileAgent struct {
	Sha256         string
	SubmissionPath string
}

// Submission is the metadata envelope for files pushed by an unattended agent
// rather than the interactive API.
type Submission struct {
	ExternalID string
	OSName     string
	Username   string
	IP         string
	Date       time.Time
	Files      []FileAgent
}
