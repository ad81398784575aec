package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/happy-geeks/wiser-sub008/internal/auth"
	"github.com/happy-geeks/wiser-sub008/internal/versioncontrol"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var partial *versioncontrol.PartialFailureError
	if errors.As(err, &partial) {
		return http.StatusConflict, "PARTIAL_FAILURE", err.Error(), map[string]any{
			"environment": partial.Environment,
			"succeeded":   partial.Succeeded,
			"skipped":     partial.Skipped,
			"failed":      partial.Failed,
			"pending":     partial.Pending,
		}
	}

	switch {
	case errors.Is(err, versioncontrol.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, versioncontrol.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, versioncontrol.ErrReviewPending):
		return http.StatusLocked, "REVIEW_PENDING", err.Error(), nil
	case errors.Is(err, versioncontrol.ErrReviewRejected):
		return http.StatusLocked, "REVIEW_REJECTED", err.Error(), nil
	case errors.Is(err, versioncontrol.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil
	case errors.Is(err, versioncontrol.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
