// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package scanctrl

import (
	"github.com/ufausther/irma-frontend/brain"
	"github.com/ufausther/irma-frontend/scandb"

	log "github.com/sirupsen/logrus"
)

// pendingWork is a result slot candidate held back until mimetype filtering
// has pruned the request. It references its association by id so it stays
// valid across a reload of the scan.
type pendingWork struct {
	fwID   string
	probes []string
}

// collectWork fills the result slots for the given associations as far as
// cached knowledge allows and returns the work that has to go to the
// backend. Per association and probe, in order of preference: an existing
// result of the same scan is shared, a cached reference result is linked
// unless the scan forces a rescan, and whatever is left becomes dispatch
// work. A slot that is still pending counts as dispatch work too, so a
// launch attempt that never reached the backend can be retried. Callers
// hold the scan's critical section and are responsible for saving the scan.
func (c *Controller) collectWork(scan *scandb.Scan, fws []*scandb.FileWeb) (brain.ScanRequest, []pendingWork) {
	req := make(brain.ScanRequest)
	var work []pendingWork

	for _, fw := range fws {
		file, err := c.DB.FileBySha256(fw.Sha256)
		if err != nil {
			log.Errorf("integrity error: file %s of scan %s: %s",
				fw.Sha256, scan.ExternalID, err)
			continue
		}
		known := fetchKnownResults(scan, fw)
		var fresh []string
		for _, probe := range scan.ProbeList {
			if slot, ok := fw.Results[probe]; ok {
				if !slot.Pending() {
					continue
				}
				// left over from an attempt that never reached the
				// backend, dispatch it again
				fresh = append(fresh, probe)
				continue
			}
			if pr, ok := known[probe]; ok {
				// another association of the same content already
				// carries this probe, share its result object
				fw.SetResult(pr)
				continue
			}
			if pr, ok := file.RefResults[probe]; ok && !scan.Force {
				fw.SetResult(pr)
				continue
			}
			fresh = append(fresh, probe)
		}
		if len(fresh) != 0 {
			work = append(work, pendingWork{fwID: fw.ID, probes: fresh})
			req.AddFile(fw.Sha256, fresh, file.Mimetype)
		}
	}
	return req, work
}

// filterRequest prunes the request through the backend's mimetype filter
// when the scan asks for it. This is a backend RPC; callers must not hold
// the scan's critical section.
func (c *Controller) filterRequest(req brain.ScanRequest, filtering bool) (brain.ScanRequest, error) {
	if filtering && len(req) != 0 {
		filtered, err := c.Gateway.FilterByMimetype(req)
		if err != nil {
			return nil, &TaskError{Op: "mimetype_filter", Err: err}
		}
		req = filtered
	}
	for sha256, fr := range req {
		if len(fr.Probes) == 0 {
			delete(req, sha256)
		}
	}
	return req, nil
}

// createSlots creates pending result slots for the probes that survived
// filtering, so that only dispatched pairs ever block scan completion. A
// slot that got filled in the meantime is left alone. Callers hold the
// scan's critical section.
func createSlots(scan *scandb.Scan, work []pendingWork, req brain.ScanRequest) {
	byID := make(map[string]*scandb.FileWeb)
	for i := range scan.FileWebs {
		byID[scan.FileWebs[i].ID] = &scan.FileWebs[i]
	}
	for _, w := range work {
		fw, ok := byID[w.fwID]
		if !ok {
			continue
		}
		fr, ok := req[fw.Sha256]
		if !ok {
			continue
		}
		keep := make(map[string]bool)
		for _, probe := range fr.Probes {
			keep[probe] = true
		}
		for _, probe := range w.probes {
			if !keep[probe] {
				continue
			}
			if slot, ok := fw.Results[probe]; ok && !slot.Pending() {
				continue
			}
			fw.SetResult(scandb.ProbeResult{Name: probe})
		}
	}
}

// fetchKnownResults collects, per probe, a result already attached to any
// other association of the same content within the scan.
func fetchKnownResults(scan *scandb.Scan, fw *scandb.FileWeb) map[string]scandb.ProbeResult {
	known := make(map[string]scandb.ProbeResult)
	for i := range scan.FileWebs {
		other := &scan.FileWebs[i]
		if other.ID == fw.ID || other.Sha256 != fw.Sha256 {
			continue
		}
		for probe, pr := range other.Results {
			if _, ok := known[probe]; !ok {
				known[probe] = pr
			}
		}
	}
	return known
}
