package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/google/uuid"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Done reports whether the state is terminal.
func (s JobState) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig is the request body of POST /api/v1/jobs.
type JobConfig struct {
	ImagePath string `json:"imagePath"`
	// Mode is auto, gray or rgb.
	Mode       string `json:"mode,omitempty"`
	MaxDim     int    `json:"maxDim,omitempty"`
	AutoOrient bool   `json:"autoOrient,omitempty"`

	// Threshold overrides. Unset fields keep the configured values.
	PeakThresh  *float32 `json:"peakThresh,omitempty"`
	EdgeThresh  *float32 `json:"edgeThresh,omitempty"`
	EdgeThresh0 *float32 `json:"edgeThresh0,omitempty"`

	// Save persists the result in the store under the job id.
	Save bool `json:"save,omitempty"`
}

// Job represents a detection job
type Job struct {
	ID     string    `json:"id"`
	State  JobState  `json:"state"`
	Config JobConfig `json:"config"`
	// Stage is the last step the worker reported while running.
	Stage string `json:"stage,omitempty"`

	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	Keypoints         int    `json:"keypoints"`
	OctaveCounts      []int  `json:"octaveCounts,omitempty"`
	Device            string `json:"device,omitempty"`
	DescriptorBackend string `json:"descriptorBackend,omitempty"`
	Saved             bool   `json:"saved,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`

	kps     []sift.Keypoint
	profile *sift.ProfileReport
	events  []sift.ProfileEvent
}

// Elapsed returns the run time so far, or the total once the job ended.
func (j *Job) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	cancels     map[string]context.CancelFunc
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	cp := *job
	return &cp
}

// GetJob returns a snapshot of the job. Keypoints and profile data are
// written once when the job completes and are shared, not copied.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// ListJobs returns snapshots of all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	slices.SortFunc(jobs, func(a, b *Job) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			cp := *job
			runningJobs = append(runningJobs, &cp)
		}
	}
	return runningJobs
}

// setCancel registers the cancel function of a running job.
func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if cancel == nil {
		delete(jm.cancels, id)
		return
	}
	jm.cancels[id] = cancel
}

// CancelJob stops a job. A pending job is cancelled immediately; a running
// job is cancelled by the worker at the next octave boundary. It returns
// the state after the call.
func (jm *JobManager) CancelJob(id string) (JobState, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch job.State {
	case StatePending:
		now := time.Now()
		job.State = StateCancelled
		job.EndTime = &now
	case StateRunning:
		if cancel, ok := jm.cancels[id]; ok {
			cancel()
		}
	}
	return job.State, nil
}

// Results returns the keypoints and profile of a job.
func (jm *JobManager) Results(id string) ([]sift.Keypoint, *sift.ProfileReport, []sift.ProfileEvent, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, nil, nil, false
	}
	return job.kps, job.profile, job.events, true
}
