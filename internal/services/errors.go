package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/servimatch/MarketplaceBack/internal/repository"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidConversation = errors.New("invalid conversation")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrUnavailable         = errors.New("backend unavailable")
	ErrStorageUnavailable  = errors.New("storage service is not configured")
)

// unavailable turns a store or broker failure into ErrUnavailable. Context
// cancellation is passed through so callers can tell a timeout from an
// outage.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
