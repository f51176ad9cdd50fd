package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "persona-chat/backend/pkg/errors"
)

var (
	ErrChatNotFound       = errors.New("chat not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrPersonaNotFound    = errors.New("persona not found")
	ErrValidation         = errors.New("invalid request")
	ErrUpstreamGeneration = errors.New("upstream generation failed")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func upstreamError(err error) error {
	return fmt.Errorf("%w: %v", ErrUpstreamGeneration, err)
}

// HTTPError maps a service error onto the client-facing error taxonomy.
// Anything unrecognised becomes an internal error.
func HTTPError(err error) *apperrors.AppError {
	if appErr := apperrors.As(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, ErrValidation):
		return apperrors.NewValidationError(strings.TrimPrefix(err.Error(), ErrValidation.Error()+": "))
	case errors.Is(err, ErrChatNotFound):
		return apperrors.NewNotFoundError(apperrors.CodeChatNotFound, "Chat not found")
	case errors.Is(err, ErrPersonaNotFound):
		return apperrors.NewNotFoundError(apperrors.CodePersonaNotFound, "Persona not found")
	case errors.Is(err, ErrMessageNotFound):
		return apperrors.NewNotFoundError(apperrors.CodeMessageNotFound, "Message not found")
	case errors.Is(err, ErrUpstreamGeneration):
		return apperrors.NewBadGatewayError(apperrors.CodeUpstreamGeneration, "The model failed to generate a reply")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewError(http.StatusGatewayTimeout, apperrors.CodeUpstreamGeneration, "The model took too long to reply")
	}
	return apperrors.FromError(err)
}
