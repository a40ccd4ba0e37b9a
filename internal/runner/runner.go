// Package runner re-invokes failed jobs. Implementations satisfy retry.Runner.
package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/remedy/pkg/protocol"
)

// JobError is a job failure with the exception type reported by the job.
type JobError struct {
	Type    string
	Message string
}

func (e *JobError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// FailureEvent converts the error into the webhook payload a failing job sends.
func (e *JobError) FailureEvent(job string, at time.Time) protocol.FailureEvent {
	return protocol.FailureEvent{
		JobName:      job,
		ErrorType:    e.Type,
		ErrorMessage: e.Message,
		Timestamp:    at.UTC(),
	}
}

// Scenarios are canned failures that exercise each classifier rule.
var Scenarios = map[string]JobError{
	"library": {
		Type:    "ModuleNotFoundError",
		Message: "No module named 'nonexistent_library_xyz_12345_test_auto_remediation'",
	},
	"timeout": {
		Type:    "TimeoutError",
		Message: "Databricks job timed out: HTTPConnectionPool(host='fake-server-12345.database.windows.net', port=9999): Read timed out. (read timeout=30)",
	},
	"execution": {
		Type:    "SparkException",
		Message: "Job aborted due to stage failure: Task 3 in stage 1.0 failed 4 times: java.lang.ArithmeticException: / by zero",
	},
}

// ScenarioNames returns the scenario keys in a stable order.
func ScenarioNames() []string {
	return []string{"library", "timeout", "execution"}
}

// Scenario looks up a canned failure by name.
func Scenario(name string) (JobError, error) {
	s, ok := Scenarios[strings.ToLower(name)]
	if !ok {
		return JobError{}, fmt.Errorf("unknown scenario %q (want one of %s)", name, strings.Join(ScenarioNames(), ", "))
	}
	return s, nil
}
