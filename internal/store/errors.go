package store

import "errors"

var (
	ErrCaseNotFound         = errors.New("case not found")
	ErrPractitionerNotFound = errors.New("practitioner not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrValidation           = errors.New("validation failed")
	ErrAssignmentRejected   = errors.New("assignment rejected")
)
