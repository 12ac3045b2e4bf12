package flexadapter

import "time"

// Known upstream Flex error codes used by adapter routing logic.
const (
	CodeStatementNotAvailable  = "1003"
	CodeStatementIncomplete    = "1004"
	CodeSettlementNotReady     = "1005"
	CodeFifoNotReady           = "1006"
	CodeMtmNotReady            = "1007"
	CodeMtmAndFifoNotReady     = "1008"
	CodeServerBusy             = "1009"
	CodeLegacyQueryUnsupported = "1010"
	CodeServiceAccountInactive = "1011"
	CodeTokenExpired           = "1012"
	CodeIPRestriction          = "1013"
	CodeInvalidQuery           = "1014"
	CodeInvalidToken           = "1015"
	CodeInvalidAccount         = "1016"
	CodeInvalidReferenceCode   = "1017"
	CodeRateLimited            = "1018"
	CodeStatementInProgress    = "1019"
	CodeInvalidRequest         = "1020"
	CodeStatementUnavailable   = "1021"
)

// defaultMessages carries the canonical upstream message per error code,
// used when the response omits ErrorMessage.
var defaultMessages = map[string]string{
	CodeStatementNotAvailable:  "Statement is not available.",
	CodeStatementIncomplete:    "Statement is incomplete at this time. Please try again shortly.",
	CodeSettlementNotReady:     "Settlement data is not ready at this time. Please try again shortly.",
	CodeFifoNotReady:           "FIFO P/L data is not ready at this time. Please try again shortly.",
	CodeMtmNotReady:            "MTM P/L data is not ready at this time. Please try again shortly.",
	CodeMtmAndFifoNotReady:     "MTM and FIFO P/L data is not ready at this time. Please try again shortly.",
	CodeServerBusy:             "The server is under heavy load. Statement could not be generated at this time. Please try again shortly.",
	CodeLegacyQueryUnsupported: "Legacy Flex Queries are no longer supported. Please convert over to Activity Flex.",
	CodeServiceAccountInactive: "Service account is inactive.",
	CodeTokenExpired:           "Token has expired.",
	CodeIPRestriction:          "IP restriction.",
	CodeInvalidQuery:           "Query is invalid.",
	CodeInvalidToken:           "Token is invalid.",
	CodeInvalidAccount:         "Account in invalid.",
	CodeInvalidReferenceCode:   "Reference code is invalid.",
	CodeRateLimited:            "Too many requests have been made from this token. Please try again shortly.",
	CodeStatementInProgress:    "Statement generation in progress. Please try again shortly.",
	CodeInvalidRequest:         "Invalid request or unable to validate request.",
	CodeStatementUnavailable:   "Statement could not be retrieved at this time. Please try again shortly.",
}

// retryablePollCodes are the poll-phase conditions that get backoff + retry
// instead of failing the run.
var retryablePollCodes = map[string]bool{
	CodeServerBusy:          true,
	CodeStatementInProgress: true,
	CodeRateLimited:         true,
}

// DefaultMessage returns the canonical message for a known error code, else
// the provided fallback.
func DefaultMessage(errorCode, fallback string) string {
	if message, ok := defaultMessages[errorCode]; ok {
		return message
	}
	return fallback
}

// IsRetryablePollCode reports whether a poll-phase error code should be
// retried with backoff.
func IsRetryablePollCode(errorCode string) bool {
	return retryablePollCodes[errorCode]
}

// retryDelayForCode returns the code-specific minimum delay floor applied on
// top of the computed backoff wait.
func retryDelayForCode(errorCode string) time.Duration {
	if errorCode == CodeRateLimited {
		return 10 * time.Second
	}
	return 5 * time.Second
}
