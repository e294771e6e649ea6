// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

// Package filestore implements the content-addressed sample store. Bytes are
// written once under their sha256, fanned out over prefix subdirectories, and
// shared by every scan that references the same content.
package filestore

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ufausther/irma-frontend/scandb"

	"github.com/vimeo/go-magic/magic"
	"golang.org/x/crypto/sha3"
)

const (
	prefixCount = 3
	prefixLen   = 2
)

var (
	magicFiles map[string]bool
	mutex      sync.Mutex
)

func init() {
	magicFiles = make(map[string]bool)
}

// Store is a content-addressed file store rooted at a base directory.
type Store struct {
	Base string
}

// MakeStore returns a store rooted at base, creating the directory if needed.
func MakeStore(base string) (*Store, error) {
	if err := os.MkdirAll(base, os.ModePerm); err != nil {
		return nil, err
	}
	return &Store{Base: base}, nil
}

// Path returns the storage location for a given sha256, splitting files over
// prefix subdirectories to keep directory sizes manageable.
func (s *Store) Path(sha256 string) (string, error) {
	if len(sha256) < prefixCount*prefixLen {
		return "", fmt.Errorf("hash %q too short for storage prefixes", sha256)
	}
	path := s.Base
	for i := 0; i < prefixCount*prefixLen; i += prefixLen {
		path = filepath.Join(path, sha256[i:i+prefixLen])
	}
	return filepath.Join(path, sha256), nil
}

// Put stores data under its sha256 and returns the full hash set and the
// storage location. Storing already-present content is a no-op apart from
// recomputing the hashes.
func (s *Store) Put(data []byte) (scandb.HashInfo, string, error) {
	hashes, err := CalculateHashes(bytes.NewReader(data))
	if err != nil {
		return hashes, "", err
	}
	path, err := s.Path(hashes.Sha256)
	if err != nil {
		return hashes, "", err
	}
	if _, err = os.Stat(path); err == nil {
		return hashes, path, nil
	}
	if err = os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return hashes, "", err
	}
	if err = os.WriteFile(path, data, 0644); err != nil {
		return hashes, "", err
	}
	return hashes, path, nil
}

// Exists reports whether content with the given sha256 is present.
func (s *Store) Exists(sha256 string) bool {
	path, err := s.Path(sha256)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Get retrieves stored content by its sha256.
func (s *Store) Get(sha256 string) ([]byte, error) {
	path, err := s.Path(sha256)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, scandb.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Remove deletes stored content. Removing absent content is not an error.
func (s *Store) Remove(sha256 string) error {
	path, err := s.Path(sha256)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CalculateHashes uses a multiWriter to efficiently calculate file hashes
// REF: http://marcio.io/2015/07/calculating-multiple-file-hashes-in-a-single-pass/
func CalculateHashes(rd io.Reader) (scandb.HashInfo, error) {
	var info scandb.HashInfo

	md5Hash := md5.New()
	sha1Hash := sha1.New()
	sha256Hash := sha256.New()
	sha512Hash := sha512.New()
	sha3_512Hash := sha3.New512()

	// For optimum speed, Getpagesize returns the underlying system's memory page size.
	pageSize := os.Getpagesize()

	reader := bufio.NewReaderSize(rd, pageSize)

	// duplicate all write operations into the different hashing algorithms so
	// the input is traversed only once
	multiWriter := io.MultiWriter(md5Hash, sha1Hash, sha256Hash, sha512Hash, sha3_512Hash)

	_, err := io.Copy(multiWriter, reader)
	if err != nil {
		return info, err
	}

	info.Md5 = hex.EncodeToString(md5Hash.Sum(nil))
	info.Sha1 = hex.EncodeToString(sha1Hash.Sum(nil))
	info.Sha256 = hex.EncodeToString(sha256Hash.Sum(nil))
	info.Sha512 = hex.EncodeToString(sha512Hash.Sum(nil))
	info.Sha3_512 = hex.EncodeToString(sha3_512Hash.Sum(nil))

	return info, nil
}

// AddMagicFile registers an additional magic database to consult for
// mimetype detection.
func AddMagicFile(path string) {
	mutex.Lock()
	magicFiles[path] = true
	mutex.Unlock()
}

// MimetypeFromBuffer returns the mimetype for the given content.
func MimetypeFromBuffer(data []byte) string {
	cookie := magic.Open(magic.MAGIC_ERROR | magic.MAGIC_MIME_TYPE)
	defer magic.Close(cookie)
	mutex.Lock()
	var mf []string
	for f := range magicFiles {
		mf = append(mf, f)
	}
	mutex.Unlock()
	ret := magic.Load(cookie, strings.Join(mf, ":"))
	if ret != 0 {
		return "application/octet-stream"
	}
	return magic.Buffer(cookie, data)
}
