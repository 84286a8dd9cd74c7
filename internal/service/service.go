package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"shopledger/backend/internal/cache"
	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/lock"
	"shopledger/backend/internal/saga"
	"shopledger/backend/internal/stock"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo                store.Repository
	reconciler          *stock.Reconciler
	view                *cache.View
	locker              lock.Locker
	log                 logrus.FieldLogger
	validate            *validator.Validate
	defaultAccountID    string
	refundPaymentMethod string
}

func New(repo store.Repository, view *cache.View, locker lock.Locker, logger logrus.FieldLogger, defaultAccountID string) *Service {
	if defaultAccountID == "" {
		defaultAccountID = "main-account"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if view == nil {
		view = cache.NewView(nil, logger)
	}
	if locker == nil {
		locker = lock.NewLocal()
	}

	return &Service{
		repo:                repo,
		reconciler:          stock.NewReconciler(repo),
		view:                view,
		locker:              locker,
		log:                 logger.WithField("module", "service"),
		validate:            validator.New(validator.WithRequiredStructEnabled()),
		defaultAccountID:    defaultAccountID,
		refundPaymentMethod: domain.PaymentCash,
	}
}

// SetRefundPaymentMethod sets the payment method recorded on standalone
// refunds, which are always settled in person.
func (s *Service) SetRefundPaymentMethod(method string) error {
	if !isSupportedPaymentMethod(method) {
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, method)
	}
	s.refundPaymentMethod = method
	return nil
}

func (s *Service) accountID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.AccountID != "" {
		return actor.AccountID
	}
	return s.defaultAccountID
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// withAccountLock runs fn while holding the account's mutation lock.
func (s *Service) withAccountLock(ctx context.Context, accountID string, fn func() error) error {
	release, err := s.locker.Obtain(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// failed records what a failed mutation left behind. Inconsistencies are
// logged, audited and drop the cached projection so the next read comes
// from the stores.
func (s *Service) failed(ctx context.Context, accountID string, action string, entityType string, entityID string, err error) error {
	entry := s.log.WithFields(logrus.Fields{
		"account_id":  accountID,
		"action":      action,
		"entity_type": entityType,
		"entity_id":   entityID,
	})

	var inconsistency *saga.InconsistencyError
	if errors.As(err, &inconsistency) {
		entry.WithError(err).Error("operation left stores inconsistent")
		steps := make([]string, 0, len(inconsistency.Failures))
		for _, f := range inconsistency.Failures {
			steps = append(steps, f.Step)
		}
		s.logAudit(context.WithoutCancel(ctx), accountID, action+"_inconsistent", entityType, entityID,
			fmt.Sprintf("cause=%v,failed_undo=%s", inconsistency.Cause, strings.Join(steps, "|")))
		s.view.Invalidate(context.WithoutCancel(ctx), accountID)
		return err
	}

	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		entry.WithError(err).Warn("operation aborted by store failure")
	}
	return err
}

func (s *Service) logAudit(ctx context.Context, accountID string, action string, entityType string, entityID string, detail string) {
	if accountID == "" {
		accountID = s.defaultAccountID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		AccountID:     accountID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action":     action,
			"entity":     entityType + "/" + entityID,
			"account_id": accountID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	logs, err := s.repo.ListAuditLogs(ctx, s.accountID(ctx), from, to, limit)
	if err != nil {
		return nil, store.Wrap("list audit logs", err)
	}
	return logs, nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentUPI, domain.PaymentBankTransfer:
		return true
	default:
		return false
	}
}
