package sync

import "fmt"

// Outcome classifies how a run ended. The scheduler keys its retry decision
// off this: only retryable failures consume retry attempts, terminal
// failures stop immediately.
type Outcome int

const (
	Succeeded Outcome = iota
	RetryableFailure
	TerminalFailure
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case RetryableFailure:
		return "retryable_failure"
	case TerminalFailure:
		return "terminal_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of one sync run.
type Result struct {
	Outcome          Outcome
	RunID            string
	RecordsProcessed int
	Pages            int
	Err              error
}

func succeeded(runID string, records int, pages int) *Result {
	return &Result{Outcome: Succeeded, RunID: runID, RecordsProcessed: records, Pages: pages}
}

func retryable(runID string, records int, pages int, err error) *Result {
	return &Result{Outcome: RetryableFailure, RunID: runID, RecordsProcessed: records, Pages: pages, Err: err}
}

func terminal(runID string, records int, pages int, err error) *Result {
	return &Result{Outcome: TerminalFailure, RunID: runID, RecordsProcessed: records, Pages: pages, Err: err}
}
