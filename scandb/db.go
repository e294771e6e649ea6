// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

// Package scandb persists scans, files and probe results in a local bolt
// database. All values are JSON-encoded structs; files are keyed by their
// sha256, scans and submissions by their external id. The database handle is
// explicit: callers open it once at startup and pass it to the components
// that need it.
package scandb

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	bolt "github.com/etcd-io/bbolt"
	log "github.com/sirupsen/logrus"
)

const (
	scanBucket       = "SCANS"
	fileBucket       = "FILES"
	sha1Index        = "FILES_SHA1"
	md5Index         = "FILES_MD5"
	resultBucket     = "RESULTS"
	submissionBucket = "SUBMISSIONS"

	// DatabaseName is the file name of the database file.
	DatabaseName = "frontend.db"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("record not found")
	// ErrAmbiguous is returned when a lookup that must match at most one
	// record matches several. This is a data-integrity violation, not a
	// client error.
	ErrAmbiguous = errors.New("ambiguous record lookup")
)

// DB is a handle to the frontend database.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the database file in the given data
// directory.
func Open(dataPath string) (*DB, error) {
	b, err := bolt.Open(filepath.Join(dataPath, DatabaseName), 0600, nil)
	if err != nil {
		return nil, err
	}
	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{scanBucket, fileBucket, sha1Index,
			md5Index, resultBucket, submissionBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	log.Debug("Database initialized: ", b.Path())
	return &DB{bolt: b}, nil
}

// Close should be called before the program terminates.
func (db *DB) Close() error {
	return db.bolt.Close()
}

func put(tx *bolt.Tx, bucket string, key string, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), encoded)
}

func get(tx *bolt.Tx, bucket string, key string, v interface{}) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if len(data) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// SaveScan stores the scan under its external id.
func (db *DB) SaveScan(scan *Scan) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return put(tx, scanBucket, scan.ExternalID, scan)
	})
}

// LoadScan retrieves a scan by its external id.
func (db *DB) LoadScan(externalID string) (*Scan, error) {
	var scan Scan
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return get(tx, scanBucket, externalID, &scan)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// appendIndex records sha256 under the given weak-hash key. The index value
// is a list: weak hashes are not guaranteed collision free, and a key mapping
// to several contents must surface as ErrAmbiguous on lookup rather than
// silently pick one.
func appendIndex(tx *bolt.Tx, bucket, key, sha256 string) error {
	if key == "" {
		return nil
	}
	var entries []string
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if len(data) != 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if e == sha256 {
			return nil
		}
	}
	entries = append(entries, sha256)
	return put(tx, bucket, key, entries)
}

// SaveFile stores the file under its sha256 and maintains the weak-hash
// lookup indexes.
func (db *DB) SaveFile(file *File) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := put(tx, fileBucket, file.Hashes.Sha256, file); err != nil {
			return err
		}
		if err := appendIndex(tx, sha1Index, file.Hashes.Sha1, file.Hashes.Sha256); err != nil {
			return err
		}
		return appendIndex(tx, md5Index, file.Hashes.Md5, file.Hashes.Sha256)
	})
}

// FileBySha256 retrieves a file by its strong content hash.
func (db *DB) FileBySha256(sha256 string) (*File, error) {
	var file File
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return get(tx, fileBucket, sha256, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (db *DB) fileByIndex(bucket, key string) (*File, error) {
	var file File
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var entries []string
		if err := get(tx, bucket, key, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			return ErrNotFound
		}
		if len(entries) > 1 {
			return ErrAmbiguous
		}
		return get(tx, fileBucket, entries[0], &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// FileBySha1 retrieves a file by its legacy sha1 hash. ErrAmbiguous is
// returned if several contents share the hash.
func (db *DB) FileBySha1(sha1 string) (*File, error) {
	return db.fileByIndex(sha1Index, sha1)
}

// FileByMd5 retrieves a file by its legacy md5 hash. ErrAmbiguous is
// returned if several contents share the hash.
func (db *DB) FileByMd5(md5 string) (*File, error) {
	return db.fileByIndex(md5Index, md5)
}

// PutResult stores a raw probe result payload under the given result id.
func (db *DB) PutResult(id string, payload []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(resultBucket)).Put([]byte(id), payload)
	})
}

// Result retrieves a raw probe result payload.
func (db *DB) Result(id string) ([]byte, error) {
	var data []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket([]byte(resultBucket)).Get([]byte(id))
		if len(stored) == 0 {
			return ErrNotFound
		}
		data = bytes.Clone(stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SaveSubmission stores an agent submission under its external id.
func (db *DB) SaveSubmission(sub *Submission) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return put(tx, submissionBucket, sub.ExternalID, sub)
	})
}

// LoadSubmission retrieves an agent submission by its external id.
func (db *DB) LoadSubmission(externalID string) (*Submission, error) {
	var sub Submission
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return get(tx, submissionBucket, externalID, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FileNames aggregates the distinct display names a given content is known
// under, across all scans and agent submissions.
func (db *DB) FileNames(sha256 string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(scanBucket)).ForEach(func(_, v []byte) error {
			var scan Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return err
			}
			for i := range scan.FileWebs {
				if scan.FileWebs[i].Sha256 == sha256 {
					add(scan.FileWebs[i].Name)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(submissionBucket)).ForEach(func(_, v []byte) error {
			var sub Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			for _, fa := range sub.Files {
				if fa.Sha256 == sha256 {
					add(filepath.Base(fa.SubmissionPath))
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// RemoveOldFiles drops the stored bytes of files not seen by any scan for
// longer than maxAge, calling remove with each affected content hash. The
// file record itself is kept, with its storage locator cleared. It returns
// the number of files swept.
func (db *DB) RemoveOldFiles(maxAge time.Duration, remove func(sha256 string) error) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var expired []File

	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(fileBucket)).ForEach(func(_, v []byte) error {
			var file File
			if err := json.Unmarshal(v, &file); err != nil {
				return err
			}
			if file.Path != "" && file.LastSeen.Before(cutoff) {
				expired = append(expired, file)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range expired {
		file := &expired[i]
		if err := remove(file.Hashes.Sha256); err != nil {
			log.Warnf("could not remove stored content %s: %s", file.Hashes.Sha256, err)
			continue
		}
		file.Path = ""
		if err := db.SaveFile(file); err != nil {
			return count, err
		}
		log.Infof("%s: not seen since %v, content removed", file.Hashes.Sha256, file.LastSeen)
		count++
	}
	return count, nil
}
