package runtime

import "errors"

// Error kinds callers can test with errors.Is. Entry points return these
// wrapped with context; the sentinel identifies the failure class, the
// wrapping text carries the diagnostic.
var (
	// ErrAllocation reports that a resource could not be acquired, such as
	// an empty scratch pool at initialization.
	ErrAllocation = errors.New("allocation failed")

	// ErrInvalidShape reports a submission whose bundle is missing or does
	// not hold exactly one input tensor.
	ErrInvalidShape = errors.New("invalid input shape")

	// ErrModelLoad reports a failure to construct the engine or start the
	// pipeline around it.
	ErrModelLoad = errors.New("model load failed")

	// ErrSubmission reports that the engine rejected a submit call. The
	// runtime has taken ownership of the input bundle.
	ErrSubmission = errors.New("submission rejected")

	// ErrCompletion reports that the engine failed while completing a job;
	// the job is dropped, not retried.
	ErrCompletion = errors.New("completion failed")

	// ErrNoResult reports that a receive timed out or that shutdown drained
	// the pipeline.
	ErrNoResult = errors.New("no result available")

	// ErrClosed reports use of a runtime after shutdown began, or use of the
	// process-wide entry points while no model is loaded.
	ErrClosed = errors.New("runtime closed")
)
