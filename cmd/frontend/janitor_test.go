// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ufausther/irma-frontend/filestore"
	"github.com/ufausther/irma-frontend/scandb"
)

func TestJanitorSweep(t *testing.T) {
	dir, err := os.MkdirTemp("", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := scandb.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	store, err := filestore.MakeStore(filepath.Join(dir, "samples"))
	if err != nil {
		t.Fatal(err)
	}

	hashes, path, err := store.Put([]byte("stale content"))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().UTC().Add(-48 * time.Hour)
	err = db.SaveFile(&scandb.File{
		Hashes:    hashes,
		Size:      13,
		Path:      path,
		FirstSeen: old,
		LastSeen:  old,
	})
	if err != nil {
		t.Fatal(err)
	}

	prevMaxAge := *MaxAge
	*MaxAge = time.Hour
	defer func() { *MaxAge = prevMaxAge }()

	notify := make(chan bool)
	j := MakeJanitor(notify)
	j.CheckTick = time.Hour
	if err = j.Run(db, store); err != nil {
		t.Fatal(err)
	}
	if err = j.Run(db, store); err == nil {
		t.Fatal("second Run must fail while running")
	}
	j.Kick()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if !store.Exists(hashes.Sha256) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stored content not reclaimed")
		}
		time.Sleep(100 * time.Millisecond)
	}

	// the database record survives with the path cleared
	file, err := db.FileBySha256(hashes.Sha256)
	if err != nil {
		t.Fatal(err)
	}
	if file.Path != "" {
		t.Fatalf("path not cleared: %s", file.Path)
	}

	j.Stop()
	<-notify
}
