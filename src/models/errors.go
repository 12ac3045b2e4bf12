package models

import "fmt"

// ContractViolationError marks payload content that breaks an ingestion
// contract: unparseable documents, count mismatches, or rows whose values
// cannot be interpreted. The orchestrator maps it to a deterministic run
// error code.
type ContractViolationError struct {
	Reason string
}

func (e *ContractViolationError) Error() string {
	return e.Reason
}

// NewContractViolation builds a formatted contract violation.
func NewContractViolation(format string, args ...any) *ContractViolationError {
	return &ContractViolationError{Reason: fmt.Sprintf(format, args...)}
}
