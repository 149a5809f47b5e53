package usecase

import (
	"errors"

	"remit-sync/go-backend/internal/domains/remittance/ports"
)

var (
	// ErrInvalidParameters means the anonymise oracle, or local input
	// checks, refused the parameters. Not retried.
	ErrInvalidParameters = errors.New("invalid remittance parameters")
	// ErrInvalidSubmission means the ledger's dry run refused the call.
	ErrInvalidSubmission = ports.ErrInvalidSubmission
	// ErrLedgerUnavailable means the ledger node could not be reached. The
	// operation may be retried.
	ErrLedgerUnavailable = ports.ErrLedgerUnavailable
	// ErrSubmissionRejected means the transaction was mined and reverted.
	ErrSubmissionRejected = errors.New("remittance submission rejected by ledger")
	// ErrConfirmationTimeout means no receipt arrived within the budget. The
	// provisional record stays in place for the event stream to reconcile.
	ErrConfirmationTimeout = errors.New("remittance confirmation timed out")

	ErrRemittanceNotFound   = errors.New("remittance not found")
	ErrSubmissionNotFound   = errors.New("submission not found")
	ErrAccountNotConfigured = errors.New("no sending account configured")
	ErrServiceStopped       = errors.New("remittance service stopped")
)
