package models

import (
	"database/sql"
	"time"
)

// ObjectMeta describes one object as reported by the object store.
type ObjectMeta struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MIMEType    string    `json:"mime_type"`
	CreatedTime time.Time `json:"created_time"`
	Size        int64     `json:"size"`
}

// Frame is one source image considered as input to an animation.
// LocalPath is owned by the fetch that created it and never outlives that generation attempt.
type Frame struct {
	ObjectID   string
	Name       string
	MIMEType   string
	CapturedAt time.Time
	LocalPath  string
}

// Animation is a finalized, immutable timelapse.
type Animation struct {
	Width          int
	Height         int
	FrameDelay     time.Duration
	Quality        int
	FrameCount     int
	LocalPath      string
	RemoteObjectID string
}

// TrailKey identifies a trail within an organization.
type TrailKey struct {
	OrganizationID string
	TrailID        string
}

func (k TrailKey) String() string {
	return k.OrganizationID + "/" + k.TrailID
}

// RegenerationState is the step an in-flight regeneration has reached.
type RegenerationState string

const (
	StateLocked     RegenerationState = "locked"
	StateFetching   RegenerationState = "fetching"
	StateEncoding   RegenerationState = "encoding"
	StatePublishing RegenerationState = "publishing"
)

// Regeneration outcomes, as recorded in the run history.
const (
	OutcomePublished = "published"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// RegenerationStatus reports one in-flight regeneration.
type RegenerationStatus struct {
	OrganizationID string            `json:"organization"`
	TrailID        string            `json:"trail"`
	State          RegenerationState `json:"state"`
	StartedAt      time.Time         `json:"started_at"`
}

// RegenerationRun is one finished regeneration attempt in the run history.
type RegenerationRun struct {
	ID             int64     `json:"id"`
	OrganizationID string    `json:"organization"`
	TrailID        string    `json:"trail"`
	Outcome        string    `json:"outcome"`
	FrameCount     int       `json:"frame_count"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Job represents a job in the database job queue.
type Job struct {
	ID        int64
	JobType   string
	Payload   string
	Status    string
	Error     sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}
