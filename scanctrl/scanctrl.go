// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

// Package scanctrl drives the scan lifecycle: accept files, build the probe
// result matrix, dispatch pending work to the analysis backend, ingest the
// asynchronous completion events, fold discovered children back into the scan
// and converge on a terminal status. Completion events arrive concurrently,
// out of order and possibly duplicated; all state mutation for a single scan
// is serialized on a per-scan critical section, while calls that cross the
// backend or storage boundary are kept outside of it.
package scanctrl

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ufausther/irma-frontend/brain"
	"github.com/ufausther/irma-frontend/filestore"
	"github.com/ufausther/irma-frontend/ftp"
	"github.com/ufausther/irma-frontend/notifier"
	"github.com/ufausther/irma-frontend/scandb"
	"github.com/ufausther/irma-frontend/status"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Gateway is the narrow RPC surface of the analysis backend consumed by the
// orchestrator.
type Gateway interface {
	ProbeList() ([]string, error)
	Launch(scanID string, req brain.ScanRequest) error
	Cancel(scanID string) (brain.CancelResponse, error)
	Flush(scanID string) error
	FilterByMimetype(req brain.ScanRequest) (brain.ScanRequest, error)
}

// Transport moves file content between the frontend and the storage area
// shared with the backend.
type Transport interface {
	UploadScan(scanID string, paths []string) error
	DownloadFile(scanID, sha256 string) ([]byte, error)
}

var _ Gateway = (*brain.Client)(nil)
var _ Transport = (*ftp.Transfer)(nil)
var _ brain.EventHandler = (*Controller)(nil)

// Controller coordinates scans across the database, the content store, the
// transfer area and the backend gateway.
type Controller struct {
	DB        *scandb.DB
	Store     *filestore.Store
	Transport Transport
	Gateway   Gateway
	Notifier  notifier.Notifier

	mutex     sync.Mutex
	scanLocks map[string]*sync.Mutex
}

// MakeController returns a controller wired to the given collaborators. The
// notifier may be nil if no lifecycle announcements are wanted.
func MakeController(db *scandb.DB, store *filestore.Store, transport Transport,
	gateway Gateway, n notifier.Notifier) *Controller {
	return &Controller{
		DB:        db,
		Store:     store,
		Transport: transport,
		Gateway:   gateway,
		Notifier:  n,
		scanLocks: make(map[string]*sync.Mutex),
	}
}

// lockScan enters the critical section for the given scan id and returns the
// corresponding leave function. Different scans proceed independently.
func (c *Controller) lockScan(scanID string) func() {
	c.mutex.Lock()
	l, ok := c.scanLocks[scanID]
	if !ok {
		l = &sync.Mutex{}
		c.scanLocks[scanID] = l
	}
	c.mutex.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *Controller) notifyStatus(scan *scandb.Scan) {
	if c.Notifier == nil {
		return
	}
	msg, err := json.Marshal(map[string]interface{}{
		"scan_id": scan.ExternalID,
		"status":  scan.Status().String(),
		"date":    time.Now().UTC(),
	})
	if err != nil {
		log.Error(err)
		return
	}
	if err = c.Notifier.Notify(msg); err != nil {
		log.Warnf("%s: status notification failed: %s", scan.ExternalID, err)
	}
}

// NewScan creates an empty scan with the given client settings and returns
// it.
func (c *Controller) NewScan(ip string, force, mimetypeFiltering, resubmit bool) (*scandb.Scan, error) {
	scan := &scandb.Scan{
		ExternalID:        uuid.New().String(),
		Date:              time.Now().UTC(),
		IP:                ip,
		Force:             force,
		MimetypeFiltering: mimetypeFiltering,
		ResubmitFiles:     resubmit,
	}
	scan.SetStatus(status.Empty)
	if err := c.DB.SaveScan(scan); err != nil {
		return nil, err
	}
	log.Infof("%s: new scan (force=%v filtering=%v resubmit=%v)",
		scan.ExternalID, force, mimetypeFiltering, resubmit)
	return scan, nil
}

// newFile resolves data to its File record, creating record and stored
// content on first sight. Re-submitting known bytes whose content was swept
// by retention restores the stored copy.
func (c *Controller) newFile(data []byte) (*scandb.File, error) {
	hashes, path, err := c.Store.Put(data)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	file, err := c.DB.FileBySha256(hashes.Sha256)
	switch err {
	case nil:
		file.LastSeen = now
		if file.Path == "" {
			file.Path = path
		}
	case scandb.ErrNotFound:
		file = &scandb.File{
			Hashes:    hashes,
			Size:      int64(len(data)),
			Path:      path,
			Mimetype:  filestore.MimetypeFromBuffer(data),
			FirstSeen: now,
			LastSeen:  now,
		}
	default:
		return nil, err
	}
	if err = c.DB.SaveFile(file); err != nil {
		return nil, err
	}
	return file, nil
}

// splitName splits a client-supplied display name into directory and base
// parts, accepting both windows and unix separators.
func splitName(name string) (dir, base string) {
	idx := strings.LastIndexAny(name, `/\`)
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

// AddFiles attaches the given files to the scan, one association per display
// name. Legal while the scan is empty or ready; the first file moves an
// empty scan to ready.
func (c *Controller) AddFiles(scanID string, files map[string][]byte) error {
	unlock := c.lockScan(scanID)
	defer unlock()

	scan, err := c.DB.LoadScan(scanID)
	if err != nil {
		return err
	}
	cur := scan.Status()
	if err = status.Filter(cur, status.Empty, status.Ready); err != nil {
		return err
	}
	if cur == status.Empty {
		scan.SetStatus(status.Ready)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		file, err := c.newFile(files[name])
		if err != nil {
			return err
		}
		dir, base := splitName(name)
		fw := scandb.FileWeb{
			ID:     uuid.New().String(),
			Sha256: file.Hashes.Sha256,
			Name:   base,
			Dir:    dir,
		}
		scan.FileWebs = append(scan.FileWebs, fw)
		log.Debugf("%s: new fileweb %s for file %s", scanID, fw.ID, base)
	}
	return c.DB.SaveScan(scan)
}

// SelectProbes sets the scan's probe list, validating every name against the
// backend's probe inventory. A nil list selects all available probes. Only
// legal while the scan is ready. The applied list is returned.
func (c *Controller) SelectProbes(scanID string, probes []string) ([]string, error) {
	// read-only backend RPC, issued before entering the critical section
	all, err := c.Gateway.ProbeList()
	if err != nil {
		return nil, &TaskError{Op: "probe_list", Err: err}
	}

	unlock := c.lockScan(scanID)
	defer unlock()

	scan, err := c.DB.LoadScan(scanID)
	if err != nil {
		return nil, err
	}
	if err = status.Filter(scan.Status(), status.Ready, status.Ready); err != nil {
		return nil, err
	}

	if probes == nil {
		probes = all
	} else {
		available := make(map[string]bool)
		for _, p := range all {
			available[p] = true
		}
		var unknown []string
		for _, p := range probes {
			if !available[p] {
				unknown = append(unknown, p)
			}
		}
		if len(unknown) != 0 {
			return nil, &UnknownProbeError{Probes: unknown}
		}
	}
	scan.ProbeList = probes
	if err = c.DB.SaveScan(scan); err != nil {
		return nil, err
	}
	return probes, nil
}

// Launch builds the result matrix for the scan and dispatches the pending
// work to the backend. If the matrix is fully satisfied from cached results
// the scan short-circuits directly to finished without touching the backend.
func (c *Controller) Launch(scanID string) error {
	unlock := c.lockScan(scanID)

	scan, err := c.DB.LoadScan(scanID)
	if err != nil {
		unlock()
		return err
	}
	if err = status.Filter(scan.Status(), status.Ready, status.Ready); err != nil {
		unlock()
		return err
	}

	fws := make([]*scandb.FileWeb, 0, len(scan.FileWebs))
	for i := range scan.FileWebs {
		fws = append(fws, &scan.FileWebs[i])
	}
	req, work := c.collectWork(scan, fws)
	filtering := scan.MimetypeFiltering
	if err = c.DB.SaveScan(scan); err != nil {
		unlock()
		return err
	}
	unlock()

	// the mimetype filter is a backend RPC, issued outside the critical
	// section
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
	// the scan may have been cancelled while the filter ran
	if err = status.Filter(scan.Status(), status.Ready, status.Ready); err != nil {
		unlock()
		return err
	}
	createSlots(scan, work, req)

	if len(req) == 0 {
		finishedNow := scan.Finished() && scan.SetStatus(status.Finished)
		err = c.DB.SaveScan(scan)
		unlock()
		if err != nil {
			return err
		}
		if finishedNow {
			log.Infof("%s: finished, nothing to do", scanID)
			c.notifyStatus(scan)
		}
		return nil
	}

	var uploads []string
	for sha256 := range req {
		file, err := c.DB.FileBySha256(sha256)
		if err != nil {
			unlock()
			return err
		}
		uploads = append(uploads, file.Path)
	}
	sort.Strings(uploads)
	if err = c.DB.SaveScan(scan); err != nil {
		unlock()
		return err
	}
	unlock()

	// long-latency transfers happen outside the critical section; the
	// idempotency of result ingestion covers the race window
	if err = c.Transport.UploadScan(scanID, uploads); err != nil {
		log.Errorf("%s: upload error %s", scanID, err)
		unlock = c.lockScan(scanID)
		scan, loadErr := c.DB.LoadScan(scanID)
		if loadErr == nil {
			scan.SetStatus(status.ErrorFtpUpload)
			if saveErr := c.DB.SaveScan(scan); saveErr != nil {
				log.Error(saveErr)
			}
		}
		unlock()
		if scan != nil {
			c.notifyStatus(scan)
		}
		return &UploadError{Err: err}
	}

	if err = c.Gateway.Launch(scanID, req); err != nil {
		// scan stays ready so the caller may retry the launch
		return &TaskError{Op: "scan_launch", Err: err}
	}

	unlock = c.lockScan(scanID)
	defer unlock()
	scan, err = c.DB.LoadScan(scanID)
	if err != nil {
		return err
	}
	scan.SetStatus(status.Uploaded)
	if err = c.DB.SaveScan(scan); err != nil {
		return err
	}
	log.Infof("%s: success, scan uploaded", scanID)
	return nil
}

// SetLaunched records the backend's acknowledgement that the scan jobs were
// picked up. Only acts on scans currently uploaded; duplicate or stale
// notifications are ignored.
func (c *Controller) SetLaunched(scanID string) error {
	unlock := c.lockScan(scanID)
	defer unlock()

	scan, err := c.DB.LoadScan(scanID)
	if err != nil {
		return err
	}
	if scan.Status() != status.Uploaded {
		return nil
	}
	log.Infof("%s: scan is now launched", scanID)
	scan.SetStatus(status.Launched)
	return c.DB.SaveScan(scan)
}

// Cancel cancels a scan. Scans not yet dispatched are cancelled locally
// without a backend call; launched scans are cancelled through the backend
// and only reflect the cancellation once it confirms. A backend report that
// the scan is already processed advances the scan to processed instead.
func (c *Controller) Cancel(scanID string) (*brain.CancelDetails, error) {
	unlock := c.lockScan(scanID)

	scan, err := c.DB.LoadScan(scanID)
	if err != nil {
		unlock()
		return nil, err
	}
	cur := scan.Status()

	if cur < status.Uploaded {
		scan.SetStatus(status.Cancelled)
		err = c.DB.SaveScan(scan)
		unlock()
		if err != nil {
			return nil, err
		}
		c.notifyStatus(scan)
		return nil, nil
	}

	if cur != status.Launched {
		unlock()
		if cur.Terminal() {
			// already stopped, keep the recorded outcome
			return nil, nil
		}
		return nil, &status.TransitionError{Current: cur, Min: status.Launched, Max: status.Launched}
	}
	unlock()

	resp, err := c.Gateway.Cancel(scanID)
	if err != nil {
		return nil, &TaskError{Op: "scan_cancel", Err: err}
	}

	unlock = c.lockScan(scanID)
	scan, err = c.DB.LoadScan(scanID)
	if err != nil {
		unlock()
		return nil, err
	}
	if resp.CancelDetails != nil {
		scan.SetStatus(status.Cancelled)
		err = c.DB.SaveScan(scan)
		unlock()
		if err != nil {
			return nil, err
		}
		c.notifyStatus(scan)
		return resp.CancelDetails, nil
	}
	if code, ok := status.FromLabel(resp.Status); ok && code == status.Processed {
		// backend is done, we are only waiting for trailing results
		scan.SetStatus(status.Processed)
		if err = c.DB.SaveScan(scan); err != nil {
			unlock()
			return nil, err
		}
	}
	cur = scan.Status()
	unlock()
	return nil, &status.TransitionError{Current: cur, Min: status.Launched, Max: status.Launched}
}

// SetResult ingests one probe completion event for (scan, content, probe).
// Safe under at-least-once delivery: re-delivering an event overwrites the
// same slot and reference entry instead of duplicating them. When the last
// open slot fills, the scan moves to finished and the backend is flushed.
func (c *Controller) SetResult(scanID, sha256, probe string, payload []byte) error {
	unlock := c.lockScan(scanID)

	scan, err := c.DB.LoadScan(scanID)
	if err != nil {
		unlock()
		return err
	}
	fws := scan.FileWebsBySha256(sha256)
	if len(fws) == 0 {
		unlock()
		log.Errorf("%s: file %s not found in scan", scanID, sha256)
		return nil
	}
	file, err := c.DB.FileBySha256(sha256)
	if err != nil {
		unlock()
		return err
	}
	file.LastSeen = time.Now().UTC()

	resStatus, _ := jsonparser.GetString(payload, "status")
	resType, _ := jsonparser.GetString(payload, "type")

	// reuse the slot's result id on re-delivery so duplicates upsert
	resultID := uuid.New().String()
	if existing, ok := fws[0].Results[probe]; ok && !existing.Pending() {
		resultID = existing.ResultID
	}
	if err = c.DB.PutResult(resultID, payload); err != nil {
		unlock()
		return err
	}

	pr := scandb.ProbeResult{
		ResultID: resultID,
		Name:     probe,
		Type:     brain.NormalizeProbeType(resType),
		Status:   resStatus,
	}
	for _, fw := range fws {
		if _, ok := fw.Results[probe]; !ok {
			log.Errorf("integrity error: no result slot for file %s probe %s in scan %s",
				fw.Name, probe, scanID)
		}
		fw.SetResult(pr)
		var probesDone []string
		for _, slot := range fw.Results {
			if !slot.Pending() {
				probesDone = append(probesDone, slot.Name)
			}
		}
		log.Infof("%s: result from %s, probes done %v", scanID, probe, probesDone)
	}
	file.SetRefResult(pr)
	if err = c.DB.SaveFile(file); err != nil {
		unlock()
		return err
	}

	finishedNow := false
	if !scan.Status().Terminal() && scan.Finished() {
		finishedNow = scan.SetStatus(status.Finished)
	}
	if err = c.DB.SaveScan(scan); err != nil {
		unlock()
		return err
	}
	unlock()

	if finishedNow {
		log.Infof("%s: scan finished", scanID)
		c.notifyStatus(scan)
		if err = c.Gateway.Flush(scanID); err != nil {
			return &TaskError{Op: "scan_flush", Err: err}
		}
	}
	return nil
}

// NewSubmission records a batch of files pushed by an unattended agent and
// wraps them in a fresh scan. The caller is expected to follow up with
// SelectProbes and Launch.
func (c *Controller) NewSubmission(osName, username, ip string,
	files map[string][]byte) (*scandb.Submission, *scandb.Scan, error) {

	sub := &scandb.Submission{
		ExternalID: uuid.New().String(),
		OSName:     osName,
		Username:   username,
		IP:         ip,
		Date:       time.Now().UTC(),
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		file, err := c.newFile(files[path])
		if err != nil {
			return nil, nil, err
		}
		sub.Files = append(sub.Files, scandb.FileAgent{
			Sha256:         file.Hashes.Sha256,
			SubmissionPath: path,
		})
	}
	if err := c.DB.SaveSubmission(sub); err != nil {
		return nil, nil, err
	}
	log.Infof("%s: new submission from %s@%s (%s), %d files",
		sub.ExternalID, username, ip, osName, len(files))

	scan, err := c.NewScan(ip, false, true, true)
	if err != nil {
		return sub, nil, err
	}
	if err = c.AddFiles(scan.ExternalID, files); err != nil {
		return sub, nil, err
	}
	return sub, scan, nil
}
