package common

import "errors"

// Error taxonomy for the submission pipeline. Layers wrap these sentinels
// with %w so callers can classify with errors.Is; HTTP handlers map them to
// status codes in one place.
var (
	// ErrNotFound indicates a referenced submission does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTaskNotFound indicates no task is registered for the fork's upstream repository.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStudentNotFound indicates no student is linked to the fork owner's GitHub profile.
	ErrStudentNotFound = errors.New("student not found")

	// ErrConflict indicates a duplicate unique key or an already-in-flight request.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates a malformed or missing request field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotAFork indicates the submitted repository has no parent repository.
	ErrNotAFork = errors.New("repository is not a fork")

	// ErrRepositoryUnavailable indicates GitHub reported a non-success status
	// or could not be reached at all. The platform's own message is kept
	// verbatim in the wrapping error.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrStorageUnavailable indicates an object store I/O or connectivity failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBrokerUnavailable indicates the event broker rejected a publish.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrMalformedRepoURL indicates a stored fork URL does not have the
	// expected https://host/owner/repo shape.
	ErrMalformedRepoURL = errors.New("malformed repository url")
)
