package domain

import "strings"

// CanonicalStatus is the provider-independent status of a transfer.
type CanonicalStatus string

const (
	StatusPending    CanonicalStatus = "PENDING"
	StatusSuccessful CanonicalStatus = "SUCCESSFUL"
	StatusFailed     CanonicalStatus = "FAILED"
)

// providerStatuses maps lowercased provider vocabularies to canonical statuses.
// Anything missing from the table is treated as pending.
var providerStatuses = map[string]CanonicalStatus{
	"completed":  StatusSuccessful,
	"complete":   StatusSuccessful,
	"success":    StatusSuccessful,
	"successful": StatusSuccessful,
	"succeeded":  StatusSuccessful,
	"settled":    StatusSuccessful,
	"paid":       StatusSuccessful,
	"confirmed":  StatusSuccessful,

	"failed":    StatusFailed,
	"failure":   StatusFailed,
	"error":     StatusFailed,
	"rejected":  StatusFailed,
	"declined":  StatusFailed,
	"cancelled": StatusFailed,
	"canceled":  StatusFailed,
	"refunded":  StatusFailed,
	"expired":   StatusFailed,
	"reversed":  StatusFailed,

	"pending":            StatusPending,
	"processing":         StatusPending,
	"in_progress":        StatusPending,
	"submitted":          StatusPending,
	"pending_deposit":    StatusPending,
	"incomplete_deposit": StatusPending,
	"known_deposit_tx":   StatusPending,
}

// Canonicalize maps a raw provider status onto the canonical vocabulary.
func Canonicalize(raw string) CanonicalStatus {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)

	if s, ok := providerStatuses[key]; ok {
		return s
	}

	return StatusPending
}

// IsTerminal reports whether no further transitions are expected.
func (s CanonicalStatus) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

func (s CanonicalStatus) String() string {
	return string(s)
}
