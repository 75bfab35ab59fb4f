// Package service provides the business logic of the dispatch core.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/repository"
)

// IdempotencyService makes mutations safe to retry. Operations run
// reserve-then-execute: the key is claimed before the mutation, the result
// is cached after it, and a replay with the same (key, user, operation)
// returns the cached result without re-executing. Reuse of a key by a
// different user or operation is rejected.
type IdempotencyService interface {
	// Execute runs fn under the idempotency key. A replay returns the
	// cached response with replayed=true. An empty key runs fn directly.
	Execute(ctx context.Context, key string, userID uuid.UUID, operation string, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type idempotencyService struct {
	repo      repository.IdempotencyRepository
	recordTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewIdempotencyService creates the idempotency layer.
func NewIdempotencyService(repo repository.IdempotencyRepository, recordTTL time.Duration, logger *slog.Logger) IdempotencyService {
	return &idempotencyService{
		repo:      repo,
		recordTTL: recordTTL,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *idempotencyService) Execute(ctx context.Context, key string, userID uuid.UUID, operation string, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	if key == "" {
		result, err := fn(ctx)
		if err != nil {
			return nil, false, err
		}
		response, err := json.Marshal(result)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal response: %w", err)
		}
		return response, false, nil
	}

	held, existing, err := s.repo.Reserve(ctx, key, userID, operation, s.now().Add(s.recordTTL))
	if err != nil {
		s.logger.Error("failed to reserve idempotency key", slog.String("key", key), slog.Any("error", err))
		return nil, false, apierrors.ErrServiceUnavailable
	}

	if !held {
		if existing.UserID != userID || existing.Operation != operation {
			return nil, false, apierrors.NewConflictError("Idempotency key was used by a different user or operation")
		}
		if !existing.Completed() {
			return nil, false, apierrors.NewConflictError("A request with this idempotency key is already in progress")
		}
		return existing.Response, true, nil
	}

	result, err := fn(ctx)
	if err != nil {
		// Release so the caller may retry with the same key.
		if relErr := s.repo.Release(ctx, key); relErr != nil {
			s.logger.Error("failed to release idempotency key", slog.String("key", key), slog.Any("error", relErr))
		}
		return nil, false, err
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal response: %w", err)
	}
	if err := s.repo.Complete(ctx, key, response); err != nil {
		// The mutation is durable; a lost cache entry only costs the
		// replay fast-path.
		s.logger.Error("failed to store idempotency response", slog.String("key", key), slog.Any("error", err))
	}
	return response, false, nil
}

// PurgeExpired deletes records past their TTL. Called by the scheduler.
func (s *idempotencyService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpired(ctx, s.now())
}
