package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/ethereum/go-ethereum/common"
)

type SubmissionState string

const (
	SubmissionPending   SubmissionState = "pending"
	SubmissionConfirmed SubmissionState = "confirmed"
	SubmissionRejected  SubmissionState = "rejected"
	SubmissionTimedOut  SubmissionState = "timed_out"
	SubmissionCancelled SubmissionState = "cancelled"
)

// Submission is the future returned for a user operation. It resolves when
// the local transaction is confirmed, not when the ledger event is merged.
type Submission struct {
	ID           string
	RemittanceID common.Hash
	Kind         model.IntentKind
	TxRef        common.Hash
	CreatedAt    time.Time

	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	receipt *ports.Receipt
	err     error
}

func newSubmission(id string, remittanceID common.Hash, kind model.IntentKind, txRef common.Hash, now time.Time) *Submission {
	return &Submission{
		ID:           id,
		RemittanceID: remittanceID,
		Kind:         kind,
		TxRef:        txRef,
		CreatedAt:    now,
		done:         make(chan struct{}),
	}
}

func (s *Submission) resolve(receipt *ports.Receipt, err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.receipt = receipt
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the submission resolves or ctx ends.
func (s *Submission) Wait(ctx context.Context) (*ports.Receipt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return s.Result()
	}
}

// Result returns the outcome so far; both values are nil while pending.
func (s *Submission) Result() (*ports.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipt, s.err
}

func (s *Submission) State() SubmissionState {
	select {
	case <-s.done:
	default:
		return SubmissionPending
	}
	_, err := s.Result()
	switch {
	case err == nil:
		return SubmissionConfirmed
	case errors.Is(err, ErrSubmissionRejected):
		return SubmissionRejected
	case errors.Is(err, ErrConfirmationTimeout):
		return SubmissionTimedOut
	default:
		return SubmissionCancelled
	}
}
