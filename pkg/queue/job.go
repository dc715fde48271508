package queue

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

type Job struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Data             json.RawMessage `json:"data"`
	AttemptsMade     int             `json:"attemptsMade"`
	MaxAttempts      int             `json:"maxAttempts"`
	Backoff          time.Duration   `json:"backoff"`
	RemoveOnComplete bool            `json:"removeOnComplete"`
	RemoveOnFail     bool            `json:"removeOnFail"`
	FailedReason     string          `json:"failedReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	FinishedAt       *time.Time      `json:"finishedAt,omitempty"`
}

func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Data, v)
}

// JobOptions mirror the per-job knobs callers may set on Add. A zero
// Attempts means one try.
type JobOptions struct {
	JobID            string
	Attempts         int
	Backoff          time.Duration
	RemoveOnComplete bool
	RemoveOnFail     bool
}

type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// retryDelay doubles the base backoff per attempt already made.
func (j *Job) retryDelay() time.Duration {
	if j.Backoff <= 0 {
		return 0
	}
	d := j.Backoff
	for i := 1; i < j.AttemptsMade && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
