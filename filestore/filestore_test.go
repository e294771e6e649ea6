// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package filestore

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ufausther/irma-frontend/scandb"
)

func TestPutGetRoundtrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := MakeStore(filepath.Join(dir, "samples"))
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("foo bar baz")
	hashes, path, err := s.Put(content)
	if err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(content)
	want := fmt.Sprintf("%x", sum)
	if hashes.Sha256 != want {
		t.Fatalf("sha256 mismatch: %s != %s", hashes.Sha256, want)
	}
	if len(hashes.Md5) != 32 || len(hashes.Sha1) != 40 ||
		len(hashes.Sha512) != 128 || len(hashes.Sha3_512) != 128 {
		t.Fatal("incomplete hash set")
	}

	// prefix fan-out: samples/ab/cd/ef/<sha256>
	wantSuffix := filepath.Join(want[0:2], want[2:4], want[4:6], want)
	if !strings.HasSuffix(path, wantSuffix) {
		t.Fatalf("unexpected storage path %s", path)
	}

	if !s.Exists(hashes.Sha256) {
		t.Fatal("content should exist after put")
	}
	got, err := s.Get(hashes.Sha256)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch")
	}
}

func TestPutExistingIsNoop(t *testing.T) {
	dir, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := MakeStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, path1, err := s.Put([]byte("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	_, path2, err := s.Put([]byte("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if path1 != path2 {
		t.Fatal("identical content stored under different paths")
	}
}

func TestRemove(t *testing.T) {
	dir, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := MakeStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	hashes, _, err := s.Put([]byte("to be removed"))
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Remove(hashes.Sha256); err != nil {
		t.Fatal(err)
	}
	if s.Exists(hashes.Sha256) {
		t.Fatal("content should be gone")
	}
	if _, err = s.Get(hashes.Sha256); err != scandb.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// removing twice is fine
	if err = s.Remove(hashes.Sha256); err != nil {
		t.Fatal(err)
	}
}

func TestPathRejectsShortHash(t *testing.T) {
	s := &Store{Base: "/tmp"}
	if _, err := s.Path("abcd"); err == nil {
		t.Fatal("expected error for short hash")
	}
}
