// Package fault defines the error taxonomy shared by the engine, the
// ingestion pipeline and the HTTP layer. Every error a handler surfaces
// is one of these kinds; the server maps kinds to status codes in a
// single place.
package fault

import "fmt"

// ValidationError indicates a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// AuthorizationError indicates the requester is not the resource owner
// or not the configured leader.
type AuthorizationError struct {
	Action string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized to %s", e.Action)
}

// StateConflict indicates an operation against a resource in the wrong
// lifecycle state, e.g. exporting an incomplete build.
type StateConflict struct {
	Resource string
	State    string
	Wanted   string
}

func (e StateConflict) Error() string {
	return fmt.Sprintf("%s is %s, requires %s", e.Resource, e.State, e.Wanted)
}

// RemoteFailure wraps an executor or verifier call that reported an
// error; it is recoverable from the caller's perspective.
type RemoteFailure struct {
	Op  string
	Err error
}

func (e RemoteFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e RemoteFailure) Unwrap() error { return e.Err }
