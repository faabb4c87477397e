package app

import (
	"fmt"
	"net/http"
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

const (
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeForbidden            = "FORBIDDEN"
	CodeDuplicateUser        = "DUPLICATE_USER"
	CodeInvalidIndex         = "INVALID_INDEX"
	CodeEventNotFound        = "EVENT_NOT_FOUND"
	CodeValidation           = "VALIDATION_ERROR"
)

func errAuthenticationFailed() *DomainError {
	return domainError(http.StatusUnauthorized, CodeAuthenticationFailed, "Login failed. Check your credentials.", nil)
}

func errUnauthenticated() *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthenticated, "Authentication required", nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Access denied: administrators only", nil)
}

func errDuplicateUser(username string) *DomainError {
	return domainError(http.StatusConflict, CodeDuplicateUser, "User already exists. Choose another username.", map[string]any{"username": username})
}

func errInvalidIndex(index any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeInvalidIndex, "Invalid event index", map[string]any{"index": index})
}

func errEventNotFound(id string) *DomainError {
	return domainError(http.StatusNotFound, CodeEventNotFound, "Event not found", map[string]any{"id": id})
}

func errValidation(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, map[string]any{"field": field})
}
