package store

import "fmt"

// Error is the wire-visible error for store operations: an HTTP status, a
// stable machine code, and a human message. The HTTP layer serializes it as
// {error:{code,message}}.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errf(status int, code, format string, args ...interface{}) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wire error codes, grouped by status.
const (
	CodeInvalidTeamID        = "INVALID_TEAM_ID"
	CodeInvalidAgentID       = "INVALID_AGENT_ID"
	CodeInvalidTask          = "INVALID_TASK"
	CodeInvalidThreadMessage = "INVALID_THREAD_MESSAGE"
	CodeInvalidJSON          = "INVALID_JSON"

	CodeUnauthorized = "UNAUTHORIZED"

	CodeLeaseExpired        = "LEASE_EXPIRED"
	CodeLeaseHolderMismatch = "LEASE_HOLDER_MISMATCH"

	CodeTeamNotFound   = "TEAM_NOT_FOUND"
	CodeTaskNotFound   = "TASK_NOT_FOUND"
	CodeThreadNotFound = "THREAD_NOT_FOUND"
	CodeNotFound       = "NOT_FOUND"

	CodeTaskNotClaimable  = "TASK_NOT_CLAIMABLE"
	CodeTaskNotInProgress = "TASK_NOT_IN_PROGRESS"
	CodeEpochMismatch     = "EPOCH_MISMATCH"

	CodeInternal = "INTERNAL_ERROR"
)

func internalErr(err error) *Error {
	return &Error{Status: 500, Code: CodeInternal, Message: err.Error()}
}
