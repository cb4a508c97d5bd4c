package bundler

import (
	"fmt"
	"strings"
)

// Status is the lifecycle of a submitted operation as seen from the bundler.
//
//	not_found/pending -> submitted -> included -> succeeded | reverted
//	any non-terminal  -> failed
type Status string

const (
	StatusNotFound  Status = "not_found"
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusIncluded  Status = "included"
	StatusSucceeded Status = "succeeded"
	StatusReverted  Status = "reverted"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition is possible. A failed or reverted
// operation is retried only by building a new operation with a new nonce.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusReverted, StatusFailed:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusNotFound, StatusPending:
		return 0
	case StatusSubmitted:
		return 1
	case StatusIncluded:
		return 2
	}
	return 3
}

// CanTransition reports whether an observed status may replace the previous one.
// Terminal states are final, and progress never moves backwards.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	return to.rank() >= from.rank()
}

// ParseStatus maps the vendor status vocabulary onto Status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "not_found":
		return StatusNotFound, nil
	case "pending", "not_submitted", "queued":
		return StatusPending, nil
	case "submitted":
		return StatusSubmitted, nil
	case "included":
		return StatusIncluded, nil
	case "succeeded", "success":
		return StatusSucceeded, nil
	case "reverted":
		return StatusReverted, nil
	case "failed", "rejected":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown user operation status %q", s)
}

type statusResult struct {
	Status          string  `json:"status"`
	TransactionHash *string `json:"transactionHash"`
}

// UserOperationStatus is the answer of the vendor status extension.
type UserOperationStatus struct {
	UserOpHash      string
	Status          Status
	TransactionHash *string
	// Receipt is filled in by WaitForFinalStatus once the operation is on chain.
	Receipt *UserOperationReceipt
}
