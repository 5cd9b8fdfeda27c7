package core

import "errors"

// Failure classes surfaced by the training core. Callers match them with errors.Is.
var (
	// ErrConfiguration - unknown scheduler, backbone, learner or invalid option. Fatal.
	ErrConfiguration = errors.New("configuration error")

	// ErrDimensionMismatch - label or logit shapes that disagree with the network layout. Fatal.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrDevice - a requested compute device is not available. Raised at startup only.
	ErrDevice = errors.New("device unavailable")

	// ErrResourceExhausted - a candidate pool smaller than its exemplar quota.
	// Reported through logs; selection continues with fewer exemplars.
	ErrResourceExhausted = errors.New("resource exhausted")
)
