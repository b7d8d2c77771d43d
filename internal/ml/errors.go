package ml

import (
	"errors"
	"fmt"
)

// ErrNotFitted is returned by prediction, explanation, and persistence
// operations invoked before a successful Fit or Load.
var ErrNotFitted = errors.New("ml: ensemble is not fitted")

// ErrExplainerUnavailable is returned by explanation operations when the
// attribution stage failed or was never built.
var ErrExplainerUnavailable = errors.New("ml: explainer unavailable")

// ArtifactError reports a model artifact that could not be decoded or failed
// integrity checks during load.
type ArtifactError struct {
	Reason string
	Err    error
}

func (e *ArtifactError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ml: corrupt artifact: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ml: corrupt artifact: %s", e.Reason)
}

func (e *ArtifactError) Unwrap() error { return e.Err }
