// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package scandb

import (
	"os"
	"testing"
	"time"

	"github.com/ufausther/irma-frontend/status"
)

func makeTestDB(t *testing.T) (*DB, string) {
	dir, err := os.MkdirTemp("", "scandb")
	if err != nil {
		t.Fatal(err)
	}
	db, err := Open(dir)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return db, dir
}

func TestScanRoundtrip(t *testing.T) {
	db, dir := makeTestDB(t)
	defer os.RemoveAll(dir)
	defer db.Close()

	scan := &Scan{
		ExternalID:    "scan-1",
		Date:          time.Now().UTC(),
		IP:            "10.0.0.1",
		ResubmitFiles: true,
		ProbeList:     []string{"clamav", "peinfo"},
	}
	scan.SetStatus(status.Empty)
	scan.FileWebs = append(scan.FileWebs, FileWeb{
		ID:     "fw-1",
		Sha256: "aa",
		Name:   "sample.exe",
	})
	if err := db.SaveScan(scan); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.LoadScan("scan-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status() != status.Empty {
		t.Fatalf("unexpected status %s", loaded.Status())
	}
	if len(loaded.FileWebs) != 1 || loaded.FileWebs[0].Name != "sample.exe" {
		t.Fatal("fileweb not persisted")
	}

	if _, err = db.LoadScan("no-such-scan"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileLookupByWeakHashes(t *testing.T) {
	db, dir := makeTestDB(t)
	defer os.RemoveAll(dir)
	defer db.Close()

	file := &File{
		Hashes: HashInfo{Sha256: "aaa", Sha1: "bbb", Md5: "ccc"},
		Size:   12,
		Path:   "/tmp/aaa",
	}
	if err := db.SaveFile(file); err != nil {
		t.Fatal(err)
	}

	bySha1, err := db.FileBySha1("bbb")
	if err != nil {
		t.Fatal(err)
	}
	if bySha1.Hashes.Sha256 != "aaa" {
		t.Fail()
	}
	byMd5, err := db.FileByMd5("ccc")
	if err != nil {
		t.Fatal(err)
	}
	if byMd5.Size != 12 {
		t.Fail()
	}
	if _, err = db.FileBySha1("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// a second content with a colliding md5 makes the lookup ambiguous
	other := &File{Hashes: HashInfo{Sha256: "ddd", Md5: "ccc"}}
	if err := db.SaveFile(other); err != nil {
		t.Fatal(err)
	}
	if _, err = db.FileByMd5("ccc"); err != ErrAmbiguous {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestRefResultReplace(t *testing.T) {
	db, dir := makeTestDB(t)
	defer os.RemoveAll(dir)
	defer db.Close()

	file := &File{Hashes: HashInfo{Sha256: "aaa"}}
	file.SetRefResult(ProbeResult{ResultID: "r1", Name: "clamav", Status: ResultClean})
	file.SetRefResult(ProbeResult{ResultID: "r2", Name: "clamav", Status: ResultInfected})
	if err := db.SaveFile(file); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.FileBySha256("aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.RefResults) != 1 {
		t.Fatalf("expected a single reference result, got %d", len(loaded.RefResults))
	}
	if loaded.RefResults["clamav"].ResultID != "r2" {
		t.Fatal("reference result was not replaced")
	}
}

func TestFileTags(t *testing.T) {
	db, dir := makeTestDB(t)
	defer os.RemoveAll(dir)
	defer db.Close()

	file := &File{Hashes: HashInfo{Sha256: "aaa"}}
	file.AddTag("malicious")
	file.AddTag("pe")
	file.AddTag("malicious")
	if err := db.SaveFile(file); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.FileBySha256("aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", loaded.Tags)
	}
}

func TestResultPayloads(t *testing.T) {
	db, dir := makeTestDB(t)
	defer os.RemoveAll(dir)
	defer db.Close()

	payload := []byte(`{"status":"clean","type":"antivirus"}`)
	if err := db.PutResult("r1", payload); err != nil {
		t.Fatal(err)
	}
	got, err := db.Result("r1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fail()
	}
	if _, err = db.Result("r2"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileNames(t *testing.T) {
	db, dir := makeTestDB(t)
	defer os.RemoveAll(dir)
	defer db.Close()

	scan := &Scan{ExternalID: "scan-1"}
	scan.FileWebs = append(scan.FileWebs,
		FileWeb{ID: "fw-1", Sha256: "aaa", Name: "invoice.pdf"},
		FileWeb{ID: "fw-2", Sha256: "aaa", Name: "copy.pdf"},
		FileWeb{ID: "fw-3", Sha256: "bbb", Name: "other.doc"})
	if err := db.SaveScan(scan); err != nil {
		t.Fatal(err)
	}
	sub := &Submission{
		ExternalID: "sub-1",
		Files:      []FileAgent{{Sha256: "aaa", SubmissionPath: "C:/docs/invoice.pdf"}},
	}
	if err := db.SaveSubmission(sub); err != nil {
		t.Fatal(err)
	}

	names, err := db.FileNames("aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 distinct names, got %v", names)
	}
}

func TestRemoveOldFiles(t *testing.T) {
	db, dir := makeTestDB(t)
	defer os.RemoveAll(dir)
	defer db.Close()

	old := &File{
		Hashes:   HashInfo{Sha256: "old"},
		Path:     "/tmp/old",
		LastSeen: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &File{
		Hashes:   HashInfo{Sha256: "fresh"},
		Path:     "/tmp/fresh",
		LastSeen: time.Now().UTC(),
	}
	for _, f := range []*File{old, fresh} {
		if err := db.SaveFile(f); err != nil {
			t.Fatal(err)
		}
	}

	var removed []string
	n, err := db.RemoveOldFiles(24*time.Hour, func(sha256 string) error {
		removed = append(removed, sha256)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("unexpected sweep result: n=%d removed=%v", n, removed)
	}

	swept, err := db.FileBySha256("old")
	if err != nil {
		t.Fatal(err)
	}
	if swept.Path != "" {
		t.Fatal("locator not cleared after sweep")
	}
	kept, err := db.FileBySha256("fresh")
	if err != nil {
		t.Fatal(err)
	}
	if kept.Path == "" {
		t.Fatal("fresh file should be untouched")
	}
}
