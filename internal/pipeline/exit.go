package pipeline

import (
	"errors"

	"github.com/sells-group/starschema-etl/internal/extract"
	"github.com/sells-group/starschema-etl/internal/quality"
)

// Process exit codes of `starschema run`.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitExtractAborted = 2
	ExitGateFailed     = 3
	ExitBelowThreshold = 4
)

// ExitCode maps a run outcome to a process exit code. A finished run whose
// overall gate score is below the acceptance threshold is not an error but
// still exits non-zero.
func ExitCode(res *Result, err error) int {
	if err != nil {
		var aborted *extract.AbortedError
		var gate *quality.GateFailedError
		switch {
		case errors.As(err, &aborted):
			return ExitExtractAborted
		case errors.As(err, &gate):
			return ExitGateFailed
		default:
			return ExitFailure
		}
	}
	if res == nil || res.Run == nil || !res.Run.Accepted {
		return ExitBelowThreshold
	}
	return ExitOK
}
