// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package brain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client talks to the analysis backend's job API over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the backend API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned %d for %s %s: %s", resp.StatusCode,
			method, path, string(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ProbeList returns the names of the probes currently available on the
// backend.
func (c *Client) ProbeList() ([]string, error) {
	var reply struct {
		ProbeList []string `json:"probe_list"`
	}
	if err := c.do(http.MethodGet, "/probes", nil, &reply); err != nil {
		return nil, err
	}
	log.Debugf("backend reports %d probes", len(reply.ProbeList))
	return reply.ProbeList, nil
}

// Launch submits work for the given scan. Submitting again with the same
// scan id adds jobs to the already-running scan.
func (c *Client) Launch(scanID string, req ScanRequest) error {
	log.Infof("%s: launching %d files on backend", scanID, len(req))
	return c.do(http.MethodPost, "/scans/"+scanID+"/launch", req, nil)
}

// Cancel asks the backend to cancel all remaining jobs for the given scan.
func (c *Client) Cancel(scanID string) (CancelResponse, error) {
	var reply CancelResponse
	err := c.do(http.MethodPost, "/scans/"+scanID+"/cancel", nil, &reply)
	return reply, err
}

// Flush tells the backend to drop its job bookkeeping for a finished scan.
func (c *Client) Flush(scanID string) error {
	log.Debugf("%s: flushing scan on backend", scanID)
	return c.do(http.MethodPost, "/scans/"+scanID+"/flush", nil, nil)
}

// FilterByMimetype narrows the probe lists of a scan request to the probes
// that handle each file's mimetype. The filtering policy lives on the
// backend, next to the probe inventory.
func (c *Client) FilterByMimetype(req ScanRequest) (ScanRequest, error) {
	filtered := ScanRequest{}
	if err := c.do(http.MethodPost, "/probes/mimetype_filter", req, &filtered); err != nil {
		return nil, err
	}
	return filtered, nil
}
