package model

import "errors"

var (
	ErrInvalidRemittanceID = errors.New("invalid remittance id")
	ErrInvalidInput        = errors.New("invalid merge input")

	// ErrConflictingIntent flags a local submission that contradicts another
	// in-flight local submission for the same remittance.
	ErrConflictingIntent = errors.New("conflicting remittance intent")
	// ErrConflictingEvent flags a ledger event that resolves a record in a
	// direction the local client did not ask for, or contradicts a terminal state.
	ErrConflictingEvent = errors.New("conflicting remittance event")
)
