package lifecycle

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the operation failure surfaced to callers: a stable machine code,
// a human-readable message, and the HTTP status the API layer should map it
// to. Settlement degradations are not Errors; they surface only as a missing
// settlement reference.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError unwraps a lifecycle Error from err, or wraps err as INTERNAL.
func AsError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Status: http.StatusInternalServerError}
}

const (
	CodeInvalidTitle            = "INVALID_TITLE"
	CodeInvalidDescription      = "INVALID_DESCRIPTION"
	CodeInvalidReward           = "INVALID_REWARD"
	CodeInvalidPosterAddress    = "INVALID_POSTER_ADDRESS"
	CodeInvalidSkills           = "INVALID_SKILLS"
	CodeInvalidRequirements     = "INVALID_REQUIREMENTS"
	CodeInvalidType             = "INVALID_TYPE"
	CodeInvalidAgent            = "INVALID_AGENT"
	CodeInvalidAddress          = "INVALID_ADDRESS"
	CodeInvalidDeliverable      = "INVALID_DELIVERABLE"
	CodeInvalidPoster           = "INVALID_POSTER"
	CodeInvalidRating           = "INVALID_RATING"
	CodeInvalidReason           = "INVALID_REASON"
	CodeInvalidDecision         = "INVALID_DECISION"
	CodeInvalidStatus           = "INVALID_STATUS"
	CodeInvalidStatusForDispute = "INVALID_STATUS_FOR_DISPUTE"
	CodeBountyNotFound          = "BOUNTY_NOT_FOUND"
	CodeBountyAlreadyClaimed    = "BOUNTY_ALREADY_CLAIMED"
	CodeNotAssigned             = "NOT_ASSIGNED"
	CodeNotPoster               = "NOT_POSTER"
	CodeNotParticipant          = "NOT_PARTICIPANT"
	CodeDeadlinePassed          = "DEADLINE_PASSED"
	CodeAlreadyDisputed         = "ALREADY_DISPUTED"
	CodeNoPendingDispute        = "NO_PENDING_DISPUTE"
	CodeInternal                = "INTERNAL_ERROR"
)

func validationError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusBadRequest}
}

func notFoundError(message string) *Error {
	return &Error{Code: CodeBountyNotFound, Message: message, Status: http.StatusNotFound}
}

func conflictError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusConflict}
}

func forbiddenError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusForbidden}
}

func internalError(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error(), Status: http.StatusInternalServerError}
}
