package consts

import "errors"

var (
	ErrConnectionNotFound     = errors.New("connection not found")
	ErrIntegrityViolation     = errors.New("integrity violation")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrExamNotRunning         = errors.New("exam not running")
	ErrStorageFailure         = errors.New("storage failure")
	ErrInvariantFault         = errors.New("invariant fault")

	ErrExamNotFound   = errors.New("exam not found")
	ErrClientNotFound = errors.New("client not found")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")
	ErrDBInsertFailed    = errors.New("insert failed")
)
