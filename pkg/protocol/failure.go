package protocol

import (
	"errors"
	"strings"
	"time"
)

// FailureEvent is the payload a job runner posts when a run fails.
type FailureEvent struct {
	JobName      string    `json:"job_name"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Validate checks the required fields of a failure event.
func (e FailureEvent) Validate() error {
	var errs []error
	if strings.TrimSpace(e.JobName) == "" {
		errs = append(errs, errors.New("job_name is required"))
	}
	if strings.TrimSpace(e.ErrorType) == "" && strings.TrimSpace(e.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_type or error_message is required"))
	}
	return errors.Join(errs...)
}

// Classification is the classifier verdict for an error signature.
type Classification struct {
	Category         string `json:"category,omitempty"`
	IsAutoRemediable bool   `json:"is_auto_remediable"`
	Action           Action `json:"action"`
	Risk             Risk   `json:"risk"`
}
