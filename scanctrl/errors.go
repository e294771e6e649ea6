// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package scanctrl

import (
	"fmt"
	"strings"
)

// UnknownProbeError is returned when a probe selection references names the
// backend does not list. No partial selection is applied.
type UnknownProbeError struct {
	Probes []string
}

func (e *UnknownProbeError) Error() string {
	return fmt.Sprintf("probe %s unknown", strings.Join(e.Probes, ", "))
}

// TaskError reports a failed backend RPC. The local scan status is left
// unchanged so the caller may retry.
type TaskError struct {
	Op  string
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("backend task %s failed: %s", e.Op, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// UploadError reports a failed content transfer during dispatch. The scan is
// moved to the terminal error_ftp_upload status.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("file upload failed: %s", e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
