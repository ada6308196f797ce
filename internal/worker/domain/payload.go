package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the decoded description of one build job
type Payload struct {
	Repository Repository  `json:"repository"`
	Job        JobInfo     `json:"job"`
	UUID       string      `json:"uuid"`
	Config     BuildConfig `json:"config"`
}

// Repository identifies the code under build
type Repository struct {
	Slug string `json:"slug"`
}

// JobInfo identifies the job within the build system
type JobInfo struct {
	ID int64 `json:"id"`
}

// BuildConfig carries per-job build settings
type BuildConfig struct {
	Script   string            `json:"script"`
	Env      map[string]string `json:"env,omitempty"`
	Timeouts Timeouts          `json:"timeouts"`
}

// Timeouts holds the job's execution limits, in seconds
type Timeouts struct {
	HardLimit int `json:"hard_limit"`
}

// CorrelationID returns the job's trace id for log correlation. Falls back to
// the job id when the payload carries no uuid.
func (p *Payload) CorrelationID() string {
	if p.UUID != "" {
		return p.UUID
	}
	return fmt.Sprintf("job-%d", p.Job.ID)
}

// HardTimeout returns the job's hard execution limit, or fallback when the
// payload does not set one.
func (p *Payload) HardTimeout(fallback time.Duration) time.Duration {
	if p.Config.Timeouts.HardLimit > 0 {
		return time.Duration(p.Config.Timeouts.HardLimit) * time.Second
	}
	return fallback
}

// DecodePayload parses and validates a raw job payload. Failures wrap
// ErrInvalidPayload and are treated as unrecoverable by the processor.
func DecodePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if p.Repository.Slug == "" {
		return nil, fmt.Errorf("%w: missing repository slug", ErrInvalidPayload)
	}
	if p.Job.ID <= 0 {
		return nil, fmt.Errorf("%w: missing job id", ErrInvalidPayload)
	}

	return &p, nil
}
