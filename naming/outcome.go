package naming

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result class of a rename request.
type Outcome int

const (
	// OutcomeSuccess means the platform accepted the new label.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited means the platform rejected the request for now; retry after a backoff.
	OutcomeRateLimited
	// OutcomePermissionDenied means the bot lacks permission on the channel; retrying will not help.
	OutcomePermissionDenied
	// OutcomeOtherError covers everything else.
	OutcomeOtherError
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomePermissionDenied:
		return "permission_denied"
	case OutcomeOtherError:
		return "other_error"
	default:
		return "unknown"
	}
}

// RenameResult is the tagged result of Renamer.Rename.
type RenameResult struct {
	Outcome Outcome
	// RetryAfter is the platform's own hint for rate limits, zero when absent.
	RetryAfter time.Duration
	// Err carries the underlying failure for logging; nil on success.
	Err error
}

// Succeeded is a convenience constructor for a successful rename.
func Succeeded() RenameResult { return RenameResult{Outcome: OutcomeSuccess} }

// OtherErrorPolicy decides what happens after an OutcomeOtherError.
type OtherErrorPolicy int

const (
	// OtherErrorDrop logs the failure and waits for the next trigger.
	OtherErrorDrop OtherErrorPolicy = iota
	// OtherErrorRetry schedules a retry exactly like a rate limit.
	OtherErrorRetry
)

func (p OtherErrorPolicy) String() string {
	if p == OtherErrorRetry {
		return "retry"
	}
	return "drop"
}

// ParseOtherErrorPolicy parses "drop" or "retry" (case-insensitive). Empty means drop.
func ParseOtherErrorPolicy(s string) (OtherErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return OtherErrorDrop, nil
	case "retry":
		return OtherErrorRetry, nil
	default:
		return OtherErrorDrop, fmt.Errorf("unknown other-error policy %q (want drop or retry)", s)
	}
}
