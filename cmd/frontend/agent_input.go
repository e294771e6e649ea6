// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"os"
	"time"

	"github.com/ufausther/irma-frontend/scandb"

	log "github.com/sirupsen/logrus"
	"github.com/xi2/xz"
)

// xzMagic is the stream header every xz container starts with.
var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// submissionHandler is the slice of the scan controller the agent input
// needs.
type submissionHandler interface {
	NewSubmission(osName, username, ip string, files map[string][]byte) (*scandb.Submission, *scandb.Scan, error)
	SelectProbes(scanID string, probes []string) ([]string, error)
	Launch(scanID string) error
}

// AgentInput reads JSON submission messages from a Unix socket, one per
// line, as written by unattended collection agents. Each message becomes a
// submission record plus a scan over all its files, launched against every
// available probe.
type AgentInput struct {
	Handler       submissionHandler
	Running       bool
	InputListener net.Listener
	StopChan      chan bool
	StoppedChan   chan bool
	InputSocket   string
	Conn          net.Conn
}

type agentMessageFile struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

type agentMessage struct {
	EventType string             `json:"event_type"`
	OSName    string             `json:"os"`
	Username  string             `json:"username"`
	Files     []agentMessageFile `json:"files"`
}

// decodePayload turns the wire form of a file payload into raw bytes. Agents
// base64-encode every payload and may xz-compress larger ones first.
func decodePayload(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, xzMagic) {
		return data, nil
	}
	r, err := xz.NewReader(bytes.NewReader(data), 0)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func (ai *AgentInput) handleSubmission(m agentMessage) {
	files := make(map[string][]byte)
	for _, f := range m.Files {
		data, err := decodePayload(f.Data)
		if err != nil {
			log.Errorf("could not decode payload for %s: %s", f.Path, err)
			continue
		}
		files[f.Path] = data
	}
	if len(files) == 0 {
		log.Warnf("submission from %s@local without usable files", m.Username)
		return
	}
	sub, scan, err := ai.Handler.NewSubmission(m.OSName, m.Username, "local", files)
	if err != nil {
		log.Errorf("could not record submission: %s", err)
		return
	}
	if scan == nil {
		return
	}
	if _, err = ai.Handler.SelectProbes(scan.ExternalID, nil); err != nil {
		log.Errorf("%s: probe selection failed: %s", sub.ExternalID, err)
		return
	}
	if err = ai.Handler.Launch(scan.ExternalID); err != nil {
		log.Errorf("%s: launch failed: %s", sub.ExternalID, err)
	}
}

func (ai *AgentInput) handleServerConnection() {
	for {
		log.Debug("waiting for new agent connection")
		select {
		case <-ai.StopChan:
			close(ai.StoppedChan)
			return
		default:
			ai.InputListener.(*net.UnixListener).SetDeadline(time.Now().Add(1e9))
			c, err := ai.InputListener.Accept()
			if nil != err {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					continue
				}
				log.Info(err)
			}

			// we have a connection
			ai.Conn = c
			reader := bufio.NewReader(c)

			for {
				if ai.Conn == nil {
					break
				}

				line, err := reader.ReadBytes('\n')
				if err == io.EOF {
					break
				}

				var m agentMessage
				err = json.Unmarshal(line, &m)
				if err != nil {
					log.Errorf("could not unmarshal JSON '%s': %s", string(line), err)
					continue
				}

				if m.EventType != "submission" {
					log.Debugf("ignoring agent event %q", m.EventType)
					continue
				}
				log.Debugf("received submission from %s (%d files)",
					m.Username, len(m.Files))
				ai.handleSubmission(m)
			}
		}
	}
}

// MakeAgentInput returns a new AgentInput reading from the Unix socket
// inputSocket and feeding submissions to the given handler. If no such
// socket could be created for listening, the error returned is set
// accordingly.
func MakeAgentInput(inputSocket string, handler submissionHandler) (*AgentInput, error) {
	var err error

	ai := &AgentInput{
		Handler:     handler,
		StopChan:    make(chan bool),
		InputSocket: inputSocket,
	}
	_, err = os.Stat(inputSocket)
	if err == nil {
		os.Remove(inputSocket)
	}
	ai.InputListener, err = net.Listen("unix", inputSocket)
	if err != nil {
		return nil, err
	}
	return ai, err
}

// Run starts the AgentInput.
func (ai *AgentInput) Run() {
	if !ai.Running {
		ai.Running = true
		ai.StopChan = make(chan bool)
		go ai.handleServerConnection()
	}
}

// Stop causes the AgentInput to stop reading from the socket and close all
// associated channels, including the passed notification channel.
func (ai *AgentInput) Stop(stoppedChan chan bool) {
	if ai != nil && ai.Running {
		ai.StoppedChan = stoppedChan
		if ai.Conn != nil {
			ai.Conn.Close()
			ai.Conn = nil
		}
		close(ai.StopChan)
		ai.Running = false
		_, err := os.Stat(ai.InputSocket)
		if err == nil {
			os.Remove(ai.InputSocket)
		}
	} else {
		close(stoppedChan)
	}
}
