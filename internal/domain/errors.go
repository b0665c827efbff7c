package domain

import "errors"

var (
	// ErrNoPendingJob is returned by a claim when no row is pending. It is not a failure.
	ErrNoPendingJob = errors.New("no pending job")

	// ErrStoreUnavailable wraps connection and transaction failures of the job store
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotOwned is returned when a commit finds the row outside a committable status
	ErrJobNotOwned = errors.New("job is not in a committable status")

	// ErrInvalidTransition is returned when an operator reset targets a row that cannot be reset
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrArtifactNotFound is returned when the source audio object does not exist
	ErrArtifactNotFound = errors.New("source artifact not found")

	// ErrArtifactTransfer is returned when the source audio could not be downloaded
	ErrArtifactTransfer = errors.New("source artifact transfer failed")
)
