// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ufausther/irma-frontend/scandb"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type recordedSubmission struct {
	OSName   string
	Username string
	Files    map[string][]byte
}

type fakeSubmissionHandler struct {
	mutex       sync.Mutex
	submissions []recordedSubmission
	selected    []string
	launched    []string
	notify      chan bool
}

func (h *fakeSubmissionHandler) NewSubmission(osName, username, ip string,
	files map[string][]byte) (*scandb.Submission, *scandb.Scan, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.submissions = append(h.submissions, recordedSubmission{
		OSName:   osName,
		Username: username,
		Files:    files,
	})
	sub := &scandb.Submission{ExternalID: uuid.New().String()}
	scan := &scandb.Scan{ExternalID: uuid.New().String()}
	return sub, scan, nil
}

func (h *fakeSubmissionHandler) SelectProbes(scanID string, probes []string) ([]string, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.selected = append(h.selected, scanID)
	return []string{"clamav"}, nil
}

func (h *fakeSubmissionHandler) Launch(scanID string) error {
	h.mutex.Lock()
	h.launched = append(h.launched, scanID)
	h.mutex.Unlock()
	h.notify <- true
	return nil
}

func sendAgentMessage(_ *testing.T, msg agentMessage, socket string) {
	c, err := net.Dial("unix", socket)
	if err != nil {
		log.Fatal(err)
	}
	jsonBytes, err := json.Marshal(msg)
	if err != nil {
		log.Fatal(err)
	}
	log.Info(string(jsonBytes))
	c.Write(jsonBytes)
	c.Write([]byte("\n"))
	c.Close()
}

func TestAgentInputSubmission(t *testing.T) {
	dir, err := os.MkdirTemp("", "test")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	// "hello from the agent", xz-compressed then base64-encoded
	xzPayload := "/Td6WFoAAATm1rRGAgAhARYAAAB0L+WjAQATaGVsbG8gZnJvbSB0aGUgYWdlbn" +
		"QAiMtwZApTm9oAASwU+AptAx+2830BAAAAAARZWg=="

	message1 := agentMessage{
		EventType: "submission",
		OSName:    "windows",
		Username:  "alice",
		Files: []agentMessageFile{
			{
				Path: `C:\Users\alice\inbox\a.txt`,
				Data: base64.StdEncoding.EncodeToString([]byte("plain payload")),
			},
			{
				Path: `C:\Users\alice\inbox\b.txt`,
				Data: xzPayload,
			},
		},
	}

	tmpfn := filepath.Join(dir, fmt.Sprintf("t%d", rand.Int63()))

	handler := &fakeSubmissionHandler{notify: make(chan bool)}
	ai, err := MakeAgentInput(tmpfn, handler)
	if err != nil {
		t.Fatal(err)
	}

	go sendAgentMessage(t, message1, tmpfn)

	ai.Run()
	select {
	case <-handler.notify:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for launch")
	}
	stopped := make(chan bool)
	ai.Stop(stopped)
	<-stopped

	if len(handler.submissions) != 1 {
		t.Fatalf("wrong number of submissions: %d", len(handler.submissions))
	}
	sub := handler.submissions[0]
	if sub.Username != "alice" || sub.OSName != "windows" {
		t.Fatalf("unexpected submission metadata %+v", sub)
	}
	if string(sub.Files[`C:\Users\alice\inbox\a.txt`]) != "plain payload" {
		t.Fatalf("plain payload mangled: %q",
			sub.Files[`C:\Users\alice\inbox\a.txt`])
	}
	if string(sub.Files[`C:\Users\alice\inbox\b.txt`]) != "hello from the agent" {
		t.Fatalf("compressed payload mangled: %q",
			sub.Files[`C:\Users\alice\inbox\b.txt`])
	}
	if len(handler.selected) != 1 || len(handler.launched) != 1 {
		t.Fatalf("expected one probe selection and one launch, got %d/%d",
			len(handler.selected), len(handler.launched))
	}
}

func TestAgentInputIgnoresOtherEvents(t *testing.T) {
	dir, err := os.MkdirTemp("", "test")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	message1 := agentMessage{
		EventType: "heartbeat",
		Username:  "alice",
	}

	tmpfn := filepath.Join(dir, fmt.Sprintf("t%d", rand.Int63()))

	handler := &fakeSubmissionHandler{notify: make(chan bool, 1)}
	ai, err := MakeAgentInput(tmpfn, handler)
	if err != nil {
		t.Fatal(err)
	}

	go sendAgentMessage(t, message1, tmpfn)

	ai.Run()
	select {
	case <-handler.notify:
		t.Fatal("expected no launch for a heartbeat")
	case <-time.After(5 * time.Second):
		// pass
	}
	stopped := make(chan bool)
	ai.Stop(stopped)
	<-stopped

	if len(handler.submissions) != 0 {
		t.Fatalf("unexpected submissions: %d", len(handler.submissions))
	}
}

func TestAgentInputBadPayload(t *testing.T) {
	dir, err := os.MkdirTemp("", "test")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	message1 := agentMessage{
		EventType: "submission",
		OSName:    "linux",
		Username:  "bob",
		Files: []agentMessageFile{
			{Path: "/tmp/x", Data: "%%% not base64 %%%"},
		},
	}

	tmpfn := filepath.Join(dir, fmt.Sprintf("t%d", rand.Int63()))

	handler := &fakeSubmissionHandler{notify: make(chan bool, 1)}
	ai, err := MakeAgentInput(tmpfn, handler)
	if err != nil {
		t.Fatal(err)
	}

	go sendAgentMessage(t, message1, tmpfn)

	ai.Run()
	select {
	case <-handler.notify:
		t.Fatal("expected no launch for an undecodable submission")
	case <-time.After(5 * time.Second):
		// pass
	}
	stopped := make(chan bool)
	ai.Stop(stopped)
	<-stopped

	if len(handler.submissions) != 0 {
		t.Fatalf("unexpected submissions: %d", len(handler.submissions))
	}
}

func TestDecodePayloadPassthrough(t *testing.T) {
	data, err := decodePayload(base64.StdEncoding.EncodeToString([]byte{0xfd, '7'}))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 {
		t.Fatalf("short non-xz payload mangled: %v", data)
	}
}
