package rpc

import (
	"errors"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"
)

var errInvalidParams = errors.New("invalid params")

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

func rpcServiceError(code int, err error) *rpcError {
	return &rpcError{Code: code, Message: err.Error()}
}

func mapServiceError(err error) *rpcError {
	switch {
	case errors.Is(err, usecase.ErrInvalidParameters):
		return rpcServiceError(-32010, err)
	case errors.Is(err, usecase.ErrInvalidSubmission):
		return rpcServiceError(-32011, err)
	case errors.Is(err, usecase.ErrSubmissionRejected):
		return rpcServiceError(-32012, err)
	case errors.Is(err, usecase.ErrConfirmationTimeout):
		return rpcServiceError(-32013, err)
	case errors.Is(err, usecase.ErrRemittanceNotFound):
		return rpcServiceError(-32014, err)
	case errors.Is(err, usecase.ErrSubmissionNotFound):
		return rpcServiceError(-32015, err)
	case errors.Is(err, model.ErrConflictingIntent), errors.Is(err, model.ErrConflictingEvent):
		return rpcServiceError(-32016, err)
	case errors.Is(err, usecase.ErrAccountNotConfigured):
		return rpcServiceError(-32017, err)
	case errors.Is(err, usecase.ErrServiceStopped):
		return rpcServiceError(-32018, err)
	case errors.Is(err, usecase.ErrLedgerUnavailable):
		return rpcServiceError(-32019, err)
	default:
		return rpcServiceError(-32000, err)
	}
}
