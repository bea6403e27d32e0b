package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferRequest is what the caller asks to fund.
type TransferRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	// MethodID is a bank id, card token or mobile-money account.
	MethodID string `json:"methodOrBankId"`
}

// SubmissionReceipt is the provider acknowledgement of a funding request.
type SubmissionReceipt struct {
	ReferenceID string `json:"referenceId"`
	Status      string `json:"status"`
}

// TransferReference identifies a submitted transfer. It never changes after submission.
type TransferReference struct {
	ReferenceID string          `json:"referenceId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	MethodID    string          `json:"methodOrBankId"`
	SubmittedAt time.Time       `json:"submittedAt"`
	// Degraded is set when the provider did not acknowledge the submission
	// and ReferenceID was generated locally.
	Degraded bool `json:"degraded"`
}

// Phase is a reconciliation lifecycle phase.
type Phase string

const (
	PhaseSubmit   Phase = "SUBMIT"
	PhasePolling  Phase = "POLLING"
	PhaseComplete Phase = "COMPLETE"
	PhaseFailed   Phase = "FAILED"
)

// IsFinal reports whether the phase can no longer change.
func (p Phase) IsFinal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// ReconciliationState is a snapshot of a single transfer reconciliation.
type ReconciliationState struct {
	ReferenceID    string          `json:"referenceId"`
	Phase          Phase           `json:"phase"`
	Status         CanonicalStatus `json:"status"`
	ElapsedSeconds float64         `json:"elapsedSeconds"`
	// Handled flips to true exactly once, when the terminal side effect has run.
	Handled bool `json:"handled"`
	// TransactionID is only assigned on success.
	TransactionID string `json:"transactionId,omitempty"`
	Stuck         bool   `json:"stuck"`
	Attempts      int    `json:"attempts"`
	TornDown      bool   `json:"tornDown"`
	Degraded      bool   `json:"degraded"`
}

// TransferOutcome is the record written once a transfer has been finalized.
type TransferOutcome struct {
	ReferenceID   string          `json:"referenceId"`
	Status        CanonicalStatus `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Degraded      bool            `json:"degraded"`
	FinalizedAt   time.Time       `json:"finalizedAt"`
}

// TransferOutcomeRecord pairs an outcome with its journal index.
type TransferOutcomeRecord struct {
	Index   uint64
	Outcome TransferOutcome
}
