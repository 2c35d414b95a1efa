package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-realtime/internal/repository"
)

var (
	// ErrValidation indicates bad input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrPermissionDenied indicates the caller is not a member or not authorised.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound indicates an unknown channel, message, notification or connection.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates an id collision on create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrDuplicateConnection indicates a connection id is already registered.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrConnectionExpired indicates the registry dropped a connection whose socket is still open.
	ErrConnectionExpired = errors.New("connection expired")
	// ErrTransient indicates a store or provider hiccup worth retrying.
	ErrTransient = errors.New("transient infrastructure failure")
	// ErrPermanentDelivery indicates a recipient can never be reached on a channel.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	// ErrProviderUnavailable indicates a delivery provider is unconfigured or its breaker is open.
	ErrProviderUnavailable = errors.New("delivery provider unavailable")
	// ErrDeliveryFailed indicates no enabled channel delivered a notification.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func permissionError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

func notFoundError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// wrapValidator folds validator failures into the validation sentinel.
func wrapValidator(err error) error {
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %s", ErrValidation, validationErrors.Error())
	}
	return err
}

// translateRepoError maps repository sentinels onto the service taxonomy.
func translateRepoError(err error, subject string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return notFoundError("%s", subject)
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, subject)
	default:
		return err
	}
}
