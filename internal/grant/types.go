// Package grant implements the access grant workflow: validate a signup
// request, add the principal to the restricted group, and report exactly
// one result per invocation.
package grant

import (
	"regexp"
	"time"
)

// SignupRequest is the transient input for one grant attempt. It is created
// by the invocation trigger, consumed once, and discarded.
type SignupRequest struct {
	// Principal identifies the requesting user, either as a "user:<name>"
	// identity reference or a raw identity-store user id (UUID).
	Principal string

	// Source records where the request came from (e.g. "web", "import").
	Source string

	ReceivedAt time.Time
}

type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeFailed  Outcome = "failed"
)

// Failure reasons surfaced to callers. Reason strings are diagnostic only
// and must never contain secrets.
const (
	ReasonInvalidPrincipal = "invalid principal"
	ReasonTimeout          = "timeout"
)

// GrantResult is the single outcome of a handler invocation.
type GrantResult struct {
	Outcome   Outcome   `json:"outcome"`
	Principal string    `json:"principal"`
	GroupID   string    `json:"group_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func (r GrantResult) Granted() bool { return r.Outcome == OutcomeGranted }

func granted(principal, groupID string) GrantResult {
	return GrantResult{
		Outcome:   OutcomeGranted,
		Principal: principal,
		GroupID:   groupID,
		At:        time.Now().UTC(),
	}
}

func failed(principal, reason string) GrantResult {
	return GrantResult{
		Outcome:   OutcomeFailed,
		Principal: principal,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
}

var (
	// user:<name> identity reference, name restricted to safe characters
	principalRefRe = regexp.MustCompile(`^user:[A-Za-z0-9][A-Za-z0-9._@+-]{0,127}$`)
	// raw identity-store user id
	principalUUIDRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// ValidPrincipal reports whether p is a well-formed principal identifier.
func ValidPrincipal(p string) bool {
	return principalRefRe.MatchString(p) || principalUUIDRe.MatchString(p)
}
