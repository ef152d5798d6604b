package app

import (
	"errors"
	"fmt"
	"net/http"

	"tally/api/internal/auth"
	"tally/api/internal/vote"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError is the single translation from engine errors to the wire.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if retryAfter, ok := vote.RetryAfter(err); ok {
		details = map[string]any{"retryAfterSeconds": retryAfterSeconds(retryAfter)}
	}
	switch {
	case errors.Is(err, vote.ErrInvalidVoteValue):
		return http.StatusBadRequest, "INVALID_VOTE_VALUE", "Vote value must be -1, 0 or 1", nil
	case errors.Is(err, vote.ErrInvalidTarget):
		return http.StatusBadRequest, "INVALID_TARGET", "Target type must be post or comment with a non-empty id", nil
	case errors.Is(err, vote.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many votes, slow down", details
	case errors.Is(err, vote.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Daily vote limit reached", details
	case errors.Is(err, vote.ErrTargetNotFound):
		return http.StatusNotFound, "TARGET_NOT_FOUND", "Target not found", nil
	case errors.Is(err, vote.ErrTransientStore):
		return http.StatusServiceUnavailable, "TRANSIENT_STORE_ERROR", "Temporary failure, retry the request", nil
	case errors.Is(err, vote.ErrInconsistent):
		return http.StatusInternalServerError, "INCONSISTENT_STATE", "Stored vote state is inconsistent", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
