// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/ufausther/irma-frontend/filestore"
	"github.com/ufausther/irma-frontend/scandb"

	log "github.com/sirupsen/logrus"
)

// MaxAge is the maximal time since a file was last referenced by a scan
// before its stored content is reclaimed.
var MaxAge = flag.Duration("maxage", 365*24*time.Hour,
	"max age of unreferenced file content before being cleaned up")

// Janitor is a concurrent helper that periodically reclaims stored file
// content not referenced by any recent scan. The database records survive a
// sweep so hash lookups and cached results keep working; only the bytes go.
type Janitor struct {
	StopperChan      chan bool
	KickChan         chan bool
	IsRunning        bool
	FinishNotifyChan chan bool
	StartStopLock    sync.Mutex
	CheckTick        time.Duration
}

// MakeJanitor creates a new Janitor and emits a value on the given channel
// when it has been stopped.
func MakeJanitor(finishNotify chan bool) *Janitor {
	return &Janitor{
		IsRunning:        false,
		FinishNotifyChan: finishNotify,
		KickChan:         make(chan bool, 1),
		CheckTick:        60 * time.Second,
	}
}

func (j *Janitor) sweep(db *scandb.DB, store *filestore.Store) {
	n, err := db.RemoveOldFiles(*MaxAge, store.Remove)
	if err != nil {
		log.Warnf("retention sweep failed: %s", err)
		return
	}
	if n > 0 {
		log.Infof("retention sweep reclaimed %d files older than %v", n, *MaxAge)
	}
}

// Run starts the Janitor on the given database and content store.
func (j *Janitor) Run(db *scandb.DB, store *filestore.Store) error {
	if j.IsRunning {
		return fmt.Errorf("janitor already running")
	}

	j.StartStopLock.Lock()

	j.StopperChan = make(chan bool)
	j.IsRunning = true

	go func() {
		for {
			select {
			case <-time.After(j.CheckTick):
				j.sweep(db, store)
			case <-j.KickChan:
				j.sweep(db, store)
			case <-j.StopperChan:
				close(j.FinishNotifyChan)
				return
			}
		}
	}()
	j.StartStopLock.Unlock()

	return nil
}

// Kick triggers an immediate sweep outside the regular schedule.
func (j *Janitor) Kick() {
	select {
	case j.KickChan <- true:
	default:
	}
}

// Stop causes the janitor to stop sweeping.
func (j *Janitor) Stop() {
	j.StartStopLock.Lock()
	j.IsRunning = false
	close(j.StopperChan)
	j.StartStopLock.Unlock()
}
