package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCampaignNotFound is returned when no active campaign matches.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// NotFoundError covers lookups other than campaigns (uploads, templates, users).
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func NewNotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

// ConflictError rejects a request that collides with existing state.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

func NewConflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError rejects a malformed request synchronously.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ContractError signals a programming or configuration fault: unsupported
// channel, invalid state transition.
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string { return e.Reason }

func NewContract(format string, args ...any) error {
	return &ContractError{Reason: fmt.Sprintf(format, args...)}
}

// ErrInvalidTransition is wrapped by ContractErrors raised by the state machine.
var ErrInvalidTransition = errors.New("invalid campaign transition")

func NewInvalidTransition(from, action string) error {
	return fmt.Errorf("%w: %w", &ContractError{Reason: fmt.Sprintf("cannot %s a campaign in status %s", action, from)}, ErrInvalidTransition)
}

// HTTPStatus maps an error onto the response code the API reports.
func HTTPStatus(err error) int {
	var (
		notFound   *ErrCampaignNotFound
		missing    *NotFoundError
		conflict   *ConflictError
		validation *ValidationError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &missing):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
