package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/lock"
	"kasirinaja/backoffice/internal/store"
)

// ErrForbidden is returned when the actor's role does not allow the action.
var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorOf(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

type Service struct {
	repo   store.Repository
	locker lock.Locker
	logger *zap.Logger
	now    func() time.Time
}

func New(repo store.Repository, locker lock.Locker, logger *zap.Logger) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		locker: locker,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// inTx runs fn as one unit of work while holding the allocation locks of
// productIDs.
func (s *Service) inTx(ctx context.Context, productIDs []string, fn func(ctx context.Context, tx store.Tx) error) error {
	if len(productIDs) > 0 {
		keys := make([]string, 0, len(productIDs))
		for _, id := range productIDs {
			keys = append(keys, lock.ProductKey(id))
		}
		release, err := s.locker.Lock(ctx, keys...)
		if err != nil {
			return err
		}
		defer release()
	}
	return s.repo.WithinTx(ctx, fn)
}

// read runs fn as a unit of work that is expected to make no writes.
func (s *Service) read(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.repo.WithinTx(ctx, fn)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor := actorOf(ctx)
	s.logger.Info(action, append([]zap.Field{
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", actor.Role),
	}, fields...)...)
}

func uniqueSorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
