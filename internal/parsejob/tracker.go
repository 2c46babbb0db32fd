// Package parsejob tracks document preparation jobs and runs their stages.
package parsejob

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusParsing Status = "parsing"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Job is the tracked state of the last preparation of one file.
type Job struct {
	ID        string    `json:"jobId,omitempty"`
	FileID    string    `json:"fileId"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	ErrorMsg  string    `json:"errorMsg,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrInProgress is returned when a file already has a running job.
var ErrInProgress = errors.New("JOB_IN_PROGRESS")

// NewJobID returns "j_" followed by eight lowercase hex characters.
func NewJobID() string {
	return "j_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Tracker holds one job slot per file id.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]Job
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]Job), now: time.Now}
}

// Get returns the job of fileID; files never parsed report idle.
func (t *Tracker) Get(fileID string) Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[fileID]; ok {
		return j
	}
	return Job{FileID: fileID, Status: StatusIdle}
}

// Reset puts fileID back to idle, detaching any running job from the slot.
func (t *Tracker) Reset(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[fileID] = Job{FileID: fileID, Status: StatusIdle, UpdatedAt: t.now()}
}

// begin claims the slot of fileID for a new job at progress 5.
func (t *Tracker) begin(fileID string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[fileID]; ok && j.Status == StatusParsing {
		return j, ErrInProgress
	}
	j := Job{ID: NewJobID(), FileID: fileID, Status: StatusParsing, Progress: 5, UpdatedAt: t.now()}
	t.jobs[fileID] = j
	return j, nil
}

// update applies fn to the slot if it still belongs to jobID.
func (t *Tracker) update(fileID, jobID string, fn func(*Job)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[fileID]
	if !ok || j.ID != jobID {
		return false
	}
	fn(&j)
	j.UpdatedAt = t.now()
	t.jobs[fileID] = j
	return true
}

func (t *Tracker) progress(fileID, jobID string, p int) bool {
	return t.update(fileID, jobID, func(j *Job) { j.Progress = p })
}

func (t *Tracker) ready(fileID, jobID string) bool {
	return t.update(fileID, jobID, func(j *Job) {
		j.Status = StatusReady
		j.Progress = 100
	})
}

func (t *Tracker) fail(fileID, jobID, msg string) bool {
	return t.update(fileID, jobID, func(j *Job) {
		j.Status = StatusError
		j.Progress = 0
		j.ErrorMsg = msg
	})
}
