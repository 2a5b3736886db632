package domain

import "time"

// JobState is the lifecycle state of a tracked job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Requester identifies who asked for a job. Admin grants cancel rights over
// other requesters' jobs.
type Requester struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// Record is one tracked job: the descriptor that produced it plus lifecycle
// bookkeeping. The backend job id doubles as the registry key.
type Record struct {
	JobID      string     `json:"job_id"`
	Descriptor Descriptor `json:"descriptor"`
	Requester  Requester  `json:"requester"`

	// ContextHandle ties the job back to the surface that requested it
	// (a chat message, an API call id). Secondary lookup key.
	ContextHandle string `json:"context_handle,omitempty"`

	State      JobState  `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	Outputs       []string `json:"outputs,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Descriptor = r.Descriptor.Clone()
	if len(r.Outputs) > 0 {
		out.Outputs = append([]string(nil), r.Outputs...)
	}
	return out
}
