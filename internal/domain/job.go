package domain

import "time"

type JobState string

const (
	JobStatePending       JobState = "pending"
	JobStateResolving     JobState = "resolving"
	JobStateQuotaChecking JobState = "quota_checking"
	JobStateDedupChecking JobState = "dedup_checking"
	JobStateTransferring  JobState = "transferring"
	JobStateDelivering    JobState = "delivering"
	JobStateCompleted     JobState = "completed"
	JobStateFailed        JobState = "failed"
	JobStateCancelled     JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// JobSnapshot is a point-in-time copy of a download job as exposed by status queries.
type JobSnapshot struct {
	ID               string
	UserID           int64
	URL              string
	Platform         Platform
	Quality          string
	AudioOnly        bool
	State            JobState
	Fingerprint      string
	Title            string
	BytesTransferred int64
	TotalBytes       int64
	FileRef          string
	FromCache        bool
	Coalesced        bool
	FailureKind      Kind
	Reason           string
	CancelRequested  bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	FinishedAt       *time.Time
}

// Delivery is handed to the external delivery layer once per job.
type Delivery struct {
	JobID     string
	UserID    int64
	FileRef   string
	FromCache bool
	Title     string
	Filename  string
	Platform  Platform
	SourceURL string
	Quality   string
	AudioOnly bool
	Size      int64
	Duration  int64
}
