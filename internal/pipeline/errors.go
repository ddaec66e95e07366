package pipeline

import (
	"errors"
	"fmt"

	"github.com/jononovo/send-claw2-sub007/internal/research"
)

// SchemaResolutionError means no usable schema could be derived for a
// query. It is fatal for the run and happens before any entity work.
type SchemaResolutionError struct {
	Query    string
	Attempts int
	Err      error
}

func (e *SchemaResolutionError) Error() string {
	return fmt.Sprintf("pipeline: resolve schema for %q failed after %d attempts: %v", e.Query, e.Attempts, e.Err)
}

func (e *SchemaResolutionError) Unwrap() error { return e.Err }

// DiscoveryPartialError reports that discovery found fewer entities than
// requested. The run proceeds with what was found.
type DiscoveryPartialError struct {
	Requested int
	Found     int
}

func (e *DiscoveryPartialError) Error() string {
	return fmt.Sprintf("pipeline: discovered %d of %d requested entities", e.Found, e.Requested)
}

// ProviderError is a per-provider, per-entity research failure. It is
// recovered locally as zero contribution.
type ProviderError = research.ProviderError

// ExtractionError means one entity's research could not be turned into a
// valid record. The entity is dropped; the run continues.
type ExtractionError struct {
	Entity   string
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("pipeline: extract %q failed after %d attempts: %v", e.Entity, e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// RunFatalError fails a run as a whole.
type RunFatalError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *RunFatalError) Error() string {
	if e.Err == nil {
		return "pipeline: run failed: " + e.Reason
	}
	return fmt.Sprintf("pipeline: run failed: %s: %v", e.Reason, e.Err)
}

func (e *RunFatalError) Unwrap() error { return e.Err }

// IsRunFatal reports whether err ends a run: a schema resolution failure or
// a RunFatalError.
func IsRunFatal(err error) bool {
	var se *SchemaResolutionError
	var fe *RunFatalError
	return errors.As(err, &se) || errors.As(err, &fe)
}

// Reason returns the human-readable failure reason shown to callers and
// whether retrying the run might help.
func Reason(err error) (string, bool) {
	var se *SchemaResolutionError
	if errors.As(err, &se) {
		return "could not understand the query; try rephrasing it", true
	}
	var fe *RunFatalError
	if errors.As(err, &fe) {
		return fe.Reason, fe.Retryable
	}
	if err == nil {
		return "", false
	}
	return err.Error(), true
}
