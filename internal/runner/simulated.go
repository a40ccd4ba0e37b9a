package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/h1v3-io/remedy/pkg/protocol"
)

// DefaultFailureRate matches a job that passes roughly three times in ten.
const DefaultFailureRate = 0.7

// Simulated is a job that fails at random with one of three transient errors.
type Simulated struct {
	FailureRate float64       // probability of failure in [0,1]
	Delay       time.Duration // simulated processing time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated creates a simulated job. A zero seed uses the current time.
func NewSimulated(failureRate float64, seed int64) *Simulated {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulated) Run(ctx context.Context, _ string, _ protocol.Action) error {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Roll()
}

// Roll draws one outcome: nil on success, a *JobError on failure.
func (s *Simulated) Roll() error {
	s.mu.Lock()
	value := s.rng.Float64()
	kind := s.rng.Intn(3)
	s.mu.Unlock()

	if value >= s.FailureRate {
		return nil
	}

	switch kind {
	case 0:
		return &JobError{
			Type: "ImportError",
			Message: fmt.Sprintf("DatabricksLibraryInstallationError: Failed to install library 'random-lib-%d'. "+
				"This is a transient error that can be fixed by reinstalling libraries. Random value: %.4f",
				int(value*1000), value),
		}
	case 1:
		return &JobError{
			Type: "TimeoutError",
			Message: fmt.Sprintf("DatabricksTimeoutError: Job execution timed out after %d seconds. "+
				"This is a transient network/resource issue. Retry should resolve it. Random value: %.4f",
				int(value*100), value),
		}
	default:
		return &JobError{
			Type: "RuntimeError",
			Message: fmt.Sprintf("DatabricksJobExecutionError: Spark executor failed with code %d. "+
				"This is a transient cluster resource issue. Retry should resolve it. Random value: %.4f",
				int(value*1000), value),
		}
	}
}
