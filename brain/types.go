// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

// Package brain is the narrow RPC surface to the analysis backend: submit
// scan jobs, cancel them, list the available probes and flush finished scans,
// plus the consumer receiving the backend's asynchronous completion events.
package brain

import "strings"

// FileRequest describes the work requested for a single content hash.
type FileRequest struct {
	Probes   []string `json:"probe_list"`
	Mimetype string   `json:"mimetype"`
}

// ScanRequest maps each content sha256 to the probes and mimetype to use for
// it. It is built fresh per dispatch and never persisted.
type ScanRequest map[string]FileRequest

// AddFile records probes to run on the given content, merging with probes
// requested earlier for the same hash.
func (r ScanRequest) AddFile(sha256 string, probes []string, mimetype string) {
	fr := r[sha256]
	fr.Mimetype = mimetype
	for _, p := range probes {
		found := false
		for _, have := range fr.Probes {
			if have == p {
				found = true
				break
			}
		}
		if !found {
			fr.Probes = append(fr.Probes, p)
		}
	}
	r[sha256] = fr
}

// CancelDetails reports per-job counts for a backend-side cancellation.
type CancelDetails struct {
	Total     int `json:"total"`
	Finished  int `json:"finished"`
	Cancelled int `json:"cancelled"`
}

// CancelResponse is the backend's answer to a cancel request: either
// cancellation details, or the backend's current status string for the scan
// when it is too late to cancel.
type CancelResponse struct {
	CancelDetails *CancelDetails `json:"cancel_details,omitempty"`
	Status        string         `json:"status,omitempty"`
}

// The probe type categories reported by backends.
const (
	TypeAntivirus = "antivirus"
	TypeMetadata  = "metadata"
	TypeExternal  = "external"
	TypeDatabase  = "database"
	TypeUnknown   = "unknown"
)

var knownTypes = map[string]bool{
	TypeAntivirus: true,
	TypeMetadata:  true,
	TypeExternal:  true,
	TypeDatabase:  true,
}

// NormalizeProbeType maps a probe type string from a completion event onto
// the known categories; anything else becomes TypeUnknown.
func NormalizeProbeType(s string) string {
	lowered := strings.ToLower(strings.TrimSpace(s))
	if knownTypes[lowered] {
		return lowered
	}
	return TypeUnknown
}
