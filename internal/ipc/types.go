package ipc

import (
	"scormsync/internal/daemon"
	"scormsync/internal/progress"
	"scormsync/internal/uploads"
)

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the daemon status snapshot.
type StatusResponse struct {
	daemon.Status
}

// StartRequest asks the daemon to ensure the upload worker is running.
type StartRequest struct{}

// StartResponse indicates whether a new worker was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest asks the upload worker to exit.
type StopRequest struct{}

// StopResponse reports whether the worker exited within the join timeout.
type StopResponse struct {
	Stopped bool `json:"stopped"`
	Joined  bool `json:"joined"`
}

// RestartRequest restarts the upload worker.
type RestartRequest struct {
	Force bool `json:"force"`
}

// RestartResponse reports what the restart did.
type RestartResponse struct {
	uploads.RestartResult
	Message string `json:"message,omitempty"`
}

// CleanupRequest triggers an orphan sweep. A negative MaxAgeHours uses the
// configured threshold.
type CleanupRequest struct {
	DryRun      bool `json:"dry_run"`
	MaxAgeHours int  `json:"max_age_hours"`
}

// CleanupResponse lists the affected staging files.
type CleanupResponse struct {
	daemon.CleanupResult
}

// DiagnoseRequest selects the progress records to scan.
type DiagnoseRequest struct {
	TopicID   int64  `json:"topic_id"`
	LearnerID string `json:"learner_id,omitempty"`
	Fix       bool   `json:"fix"`
	Limit     int    `json:"limit"`
}

// DiagnoseResponse carries the scan summary.
type DiagnoseResponse struct {
	Result progress.ScanResult `json:"result"`
}

// AddUploadRequest stages a local package file.
type AddUploadRequest struct {
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
}

// AddUploadResponse returns the queued submission.
type AddUploadResponse struct {
	Submission uploads.Submission `json:"submission"`
}

// ListUploadsRequest filters submissions by state.
type ListUploadsRequest struct {
	State string `json:"state,omitempty"`
}

// ListUploadsResponse contains tracked submissions.
type ListUploadsResponse struct {
	Items []uploads.Submission `json:"items"`
}

// DescribeUploadRequest fetches one submission.
type DescribeUploadRequest struct {
	ID string `json:"id"`
}

// DescribeUploadResponse returns one submission.
type DescribeUploadResponse struct {
	Submission uploads.Submission `json:"submission"`
}

// ResubmitRequest requeues a permanently failed submission.
type ResubmitRequest struct {
	ID string `json:"id"`
}

// ResubmitResponse returns the requeued submission.
type ResubmitResponse struct {
	Submission uploads.Submission `json:"submission"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64  `json:"offset"`
	Limit      int    `json:"limit"`
	Follow     bool   `json:"follow"`
	WaitMillis int    `json:"wait_millis"`
	Match      string `json:"match,omitempty"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
