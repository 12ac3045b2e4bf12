package orchestrator

import (
	"errors"

	"github.com/username/flexledger/backend/src/flexadapter"
	"github.com/username/flexledger/backend/src/flexreport"
	"github.com/username/flexledger/backend/src/models"
)

// Deterministic run error codes. Operators and tests match on these, never
// on error message text.
const (
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeTokenInvalid        = "TOKEN_INVALID"
	CodeFlexRequestError    = "FLEX_REQUEST_ERROR"
	CodeFlexStatementError  = "FLEX_STATEMENT_ERROR"
	CodeFlexTimeout         = "FLEX_TIMEOUT"
	CodeFlexConnectionError = "FLEX_CONNECTION_ERROR"
	CodeContractViolation   = "CONTRACT_VIOLATION"
	CodeMissingSection      = flexreport.DiagnosticCodeMissingSection
	CodeIngestionUnexpected = "INGESTION_UNEXPECTED_ERROR"
	CodeReprocessUnexpected = "REPROCESS_UNEXPECTED_ERROR"
)

// classifyError maps a failure to its run error code. The checks are
// priority-ordered: token-lifecycle codes outrank the phase errors that
// wrap the same upstream response, and typed errors outrank the fallback.
func classifyError(err error, fallback string) string {
	var violation *models.ContractViolationError
	switch {
	case errors.Is(err, flexadapter.ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, flexadapter.ErrTokenInvalid):
		return CodeTokenInvalid
	case errors.Is(err, flexadapter.ErrRequest):
		return CodeFlexRequestError
	case errors.Is(err, flexadapter.ErrStatement):
		return CodeFlexStatementError
	case errors.Is(err, flexadapter.ErrTimeout):
		return CodeFlexTimeout
	case errors.Is(err, flexadapter.ErrConnection):
		return CodeFlexConnectionError
	case errors.As(err, &violation):
		return CodeContractViolation
	default:
		return fallback
	}
}
