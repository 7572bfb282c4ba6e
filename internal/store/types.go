package store

import (
	"fmt"
	"time"

	"github.com/cwbudde/siftcl/internal/sift"
)

// RunConfig records how a detection was run. It is a copy of the job
// options so the store does not depend on the server package.
type RunConfig struct {
	Source            string      `json:"source"`
	Backend           string      `json:"backend"`
	Device            string      `json:"device"`
	ImageType         string      `json:"imageType"`
	DescriptorBackend string      `json:"descriptorBackend"`
	Params            sift.Params `json:"params"`
}

// Result is a stored detection.
//
// Keypoint geometry is kept in result.json; descriptors live in a separate
// snappy-compressed file of 128-byte rows in the same order.
type Result struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`

	Config       RunConfig           `json:"config"`
	OctaveCounts []int               `json:"octaveCounts"`
	Duration     time.Duration       `json:"duration"`
	Profile      *sift.ProfileReport `json:"profile,omitempty"`

	Keypoints []sift.Keypoint `json:"-"`
}

// ResultInfo is the listing view of a result without keypoint data.
type ResultInfo struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Source    string        `json:"source"`
	Device    string        `json:"device"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Keypoints int           `json:"keypoints"`
	Duration  time.Duration `json:"duration"`
}

// NewResult creates a result stamped with the current time.
func NewResult(id string, shape sift.Shape, kps []sift.Keypoint, counts []int, config RunConfig) *Result {
	return &Result{
		ID:           id,
		Timestamp:    time.Now(),
		Width:        shape.Width,
		Height:       shape.Height,
		Channels:     max(shape.Channels, 1),
		Config:       config,
		OctaveCounts: counts,
		Keypoints:    kps,
	}
}

// ToInfo returns the listing view of r.
func (r *Result) ToInfo() ResultInfo {
	return ResultInfo{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Source:    r.Config.Source,
		Device:    r.Config.Device,
		Width:     r.Width,
		Height:    r.Height,
		Keypoints: len(r.Keypoints),
		Duration:  r.Duration,
	}
}

// Validate checks that the result is consistent enough to be stored.
func (r *Result) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return &ValidationError{Field: "Width/Height", Reason: "must be positive"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	total := 0
	for _, n := range r.OctaveCounts {
		if n < 0 {
			return &ValidationError{Field: "OctaveCounts", Reason: "cannot be negative"}
		}
		total += n
	}
	if len(r.OctaveCounts) > 0 && total != len(r.Keypoints) {
		return &ValidationError{
			Field:  "OctaveCounts",
			Reason: fmt.Sprintf("sum %d does not match %d keypoints", total, len(r.Keypoints)),
		}
	}
	for i, k := range r.Keypoints {
		if k.X < 0 || k.Y < 0 || k.X >= float32(r.Width) || k.Y >= float32(r.Height) {
			return &ValidationError{
				Field:  "Keypoints",
				Reason: fmt.Sprintf("keypoint %d at (%g, %g) outside %dx%d", i, k.X, k.Y, r.Width, r.Height),
			}
		}
	}
	return nil
}

// ValidationError represents a result validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
