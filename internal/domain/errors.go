package domain

import "fmt"

// QuoteFailureReason classifies a failed quote request.
type QuoteFailureReason string

const (
	QuoteReasonNetwork         QuoteFailureReason = "network"
	QuoteReasonInvalidResponse QuoteFailureReason = "invalid-response"
	QuoteReasonRateUnavailable QuoteFailureReason = "rate-unavailable"
)

// NetworkError is a transport-level failure: DNS, connect, timeout, reset.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError means the peer answered but the answer was unusable:
// a non-2xx status, a non-JSON body or a malformed payload.
type ProtocolError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("protocol error from %s (status %d): %v", e.Endpoint, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("protocol error from %s: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SubmissionError is returned when a funding request was not acknowledged.
type SubmissionError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("submission failed: %s", e.Message)
	}

	return fmt.Sprintf("submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// QuoteError is returned by quote fetches.
type QuoteError struct {
	Reason QuoteFailureReason
	Err    error
}

func (e *QuoteError) Error() string {
	return fmt.Sprintf("quote unavailable (%s): %v", e.Reason, e.Err)
}

func (e *QuoteError) Unwrap() error { return e.Err }

// TerminalFailure reports a transfer that the provider declared failed.
type TerminalFailure struct {
	ReferenceID string
	// Leg names the status leg that failed, for example "transfer" or "settlement".
	Leg            string
	ProviderStatus string
}

func (e *TerminalFailure) Error() string {
	return fmt.Sprintf("transfer %s failed on %s leg (provider status %q)", e.ReferenceID, e.Leg, e.ProviderStatus)
}
