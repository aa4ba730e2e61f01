package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"trail-lapse/pkg/models"
)

// Job types understood by the worker.
const (
	TypeRegenerateTrail = "regenerate_trail"
	TypeSweepScratch    = "sweep_scratch"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TrailPayload is the payload of a regenerate_trail job.
type TrailPayload struct {
	Organization string `json:"organization"`
	Trail        string `json:"trail"`
}

var db *sql.DB

func InitJobs(database *sql.DB) {
	db = database
}

// CreateJob creates a new job in the database.
func CreateJob(jobType string, payload interface{}) (int64, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	res, err := db.Exec("INSERT INTO jobs (job_type, payload) VALUES (?, ?)", jobType, string(payloadBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// EnqueueRegeneration queues a rebuild of one trail's cached timelapse.
func EnqueueRegeneration(org, trail string) (int64, error) {
	return CreateJob(TypeRegenerateTrail, TrailPayload{Organization: org, Trail: trail})
}

// EnqueueSweep queues a sweep of orphaned scratch files.
func EnqueueSweep() (int64, error) {
	return CreateJob(TypeSweepScratch, nil)
}

// GetPendingJob retrieves the oldest pending job from the database.
func GetPendingJob() (*models.Job, error) {
	row := db.QueryRow("SELECT id, job_type, payload, status, error, created_at, updated_at FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1", StatusPending)

	var job models.Job
	err := row.Scan(&job.ID, &job.JobType, &job.Payload, &job.Status, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No pending jobs
		}
		return nil, fmt.Errorf("failed to get pending job: %w", err)
	}

	return &job, nil
}

// CountPending returns the number of jobs waiting for the worker.
func CountPending() (int, error) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM jobs WHERE status = ?", StatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a job from the database.
func DeleteJob(id int64) error {
	_, err := db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}

// UpdateJobStatus updates the status and error of a job.
func UpdateJobStatus(id int64, status string, jobErr error) error {
	var errStr sql.NullString
	if jobErr != nil {
		errStr.String = jobErr.Error()
		errStr.Valid = true
	}
	_, err := db.Exec("UPDATE jobs SET status = ?, error = ? WHERE id = ?", status, errStr, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// ResetRunningJobs puts jobs left running by a previous process back in the queue.
func ResetRunningJobs() (int64, error) {
	res, err := db.Exec("UPDATE jobs SET status = ? WHERE status = ?", StatusPending, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	return res.RowsAffected()
}
