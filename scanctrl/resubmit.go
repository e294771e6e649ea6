// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package scanctrl

import (
	"sort"

	"github.com/ufausther/irma-frontend/scandb"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type outputFile struct {
	Name   string
	Sha256 string
	Data   []byte
}

// HandleOutputFiles folds files extracted or dropped by a probe back into
// the running scan. The payload is the probe's raw result and may carry an
// uploaded_files object mapping display names to content hashes already
// placed in the scan's transfer area. New children are attached under their
// parent association and the matrix rows for them are dispatched with an
// additive backend launch; a re-delivered event finds its children already
// attached and does nothing. Downloads and backend RPCs run outside the
// scan's critical section.
func (c *Controller) HandleOutputFiles(scanID, parentSha256 string, payload []byte) error {
	uploaded := make(map[string]string)
	err := jsonparser.ObjectEach(payload, func(key, value []byte,
		_ jsonparser.ValueType, _ int) error {
		uploaded[string(key)] = string(value)
		return nil
	}, "uploaded_files")
	if err != nil || len(uploaded) == 0 {
		return nil
	}

	unlock := c.lockScan(scanID)
	scan, err := c.DB.LoadScan(scanID)
	if err != nil {
		unlock()
		return err
	}
	if !scan.ResubmitFiles {
		unlock()
		log.Debugf("%s: resubmit disabled, ignoring %d output files",
			scanID, len(uploaded))
		return nil
	}

	var parentID string
	if parents := scan.FileWebsBySha256(parentSha256); len(parents) != 0 {
		parentID = parents[0].ID
	} else {
		log.Errorf("%s: output files from unknown parent %s", scanID, parentSha256)
	}

	attached := attachedChildren(scan, parentSha256)
	filtering := scan.MimetypeFiltering
	unlock()

	names := make([]string, 0, len(uploaded))
	for name := range uploaded {
		names = append(names, name)
	}
	sort.Strings(names)

	// fetch the children without holding the critical section
	var children []outputFile
	for _, name := range names {
		sha256 := uploaded[name]
		if sha256 == parentSha256 || attached[sha256] {
			continue
		}
		data, err := c.Transport.DownloadFile(scanID, sha256)
		if err != nil {
			log.Errorf("%s: cannot fetch output file %s: %s", scanID, sha256, err)
			continue
		}
		children = append(children, outputFile{Name: name, Sha256: sha256, Data: data})
	}
	if len(children) == 0 {
		return nil
	}

	unlock = c.lockScan(scanID)
	scan, err = c.DB.LoadScan(scanID)
	if err != nil {
		unlock()
		return err
	}
	// a concurrent delivery of the same event may have attached some
	// children while we were downloading
	attached = attachedChildren(scan, parentSha256)
	var freshIdx []int
	for _, child := range children {
		if attached[child.Sha256] {
			continue
		}
		file, err := c.newFile(child.Data)
		if err != nil {
			unlock()
			return err
		}
		if file.Hashes.Sha256 != child.Sha256 {
			log.Errorf("%s: output file %s announced as %s, discarding",
				scanID, file.Hashes.Sha256, child.Sha256)
			continue
		}
		attached[child.Sha256] = true
		_, base := splitName(child.Name)
		scan.FileWebs = append(scan.FileWebs, scandb.FileWeb{
			ID:           uuid.New().String(),
			Sha256:       child.Sha256,
			Name:         base,
			ParentSha256: parentSha256,
		})
		freshIdx = append(freshIdx, len(scan.FileWebs)-1)
		log.Infof("%s: output file %s attached under %s", scanID, base, parentID)
	}
	if len(freshIdx) == 0 {
		unlock()
		return nil
	}
	fresh := make([]*scandb.FileWeb, 0, len(freshIdx))
	for _, i := range freshIdx {
		fresh = append(fresh, &scan.FileWebs[i])
	}
	req, work := c.collectWork(scan, fresh)
	if err = c.DB.SaveScan(scan); err != nil {
		unlock()
		return err
	}
	unlock()

	req, err = c.filterRequest(req, filtering)
	if err != nil {
		return err
	}

	unlock = c.lockScan(scanID)
	scan, err = c.DB.LoadScan(scanID)
	if err != nil {
		unlock()
		return err
	}
	createSlots(scan, work, req)
	if err = c.DB.SaveScan(scan); err != nil {
		unlock()
		return err
	}
	unlock()

	if len(req) == 0 {
		return nil
	}
	if err = c.Gateway.Launch(scanID, req); err != nil {
		return &TaskError{Op: "scan_launch", Err: err}
	}
	log.Infof("%s: launched %d resubmitted files", scanID, len(req))
	return nil
}

// attachedChildren returns the content hashes already attached to the scan
// under the given parent.
func attachedChildren(scan *scandb.Scan, parentSha256 string) map[string]bool {
	attached := make(map[string]bool)
	for i := range scan.FileWebs {
		if scan.FileWebs[i].ParentSha256 == parentSha256 {
			attached[scan.FileWebs[i].Sha256] = true
		}
	}
	return attached
}
