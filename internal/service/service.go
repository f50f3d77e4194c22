package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"jimas/backend/internal/cache"
	"jimas/backend/internal/domain"
	"jimas/backend/internal/lock"
	"jimas/backend/internal/store"
	"jimas/backend/internal/xid"
)

// ErrForbidden marks an operation the acting user's role may not perform.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Locker       lock.Locker
	Statements   cache.StatementCache
	StatementTTL time.Duration
	Logger       *slog.Logger
}

type Service struct {
	repo         store.Repository
	locker       lock.Locker
	statements   cache.StatementCache
	statementTTL time.Duration
	logger       *slog.Logger
	validate     *validator.Validate
	now          func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Statements == nil {
		opts.Statements = cache.NoopStatementCache{}
	}
	if opts.StatementTTL <= 0 {
		opts.StatementTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	return &Service{
		repo:         repo,
		locker:       opts.Locker,
		statements:   opts.Statements,
		statementTTL: opts.StatementTTL,
		logger:       opts.Logger,
		validate:     validate,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: authenticated user required", ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	if len(roles) == 1 {
		return domain.Actor{}, fmt.Errorf("%w: %s role required", ErrForbidden, roles[0])
	}
	return domain.Actor{}, fmt.Errorf("%w: role %q may not perform this action", ErrForbidden, actor.Role)
}

func requireStaff(ctx context.Context) (domain.Actor, error) {
	return requireRole(ctx, domain.RoleAdmin, domain.RoleSales)
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fieldPath(fe)))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fieldPath(fe), fe.Param()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s needs at least %s entries", fieldPath(fe), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fieldPath(fe), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", store.ErrValidation, strings.Join(parts, "; "))
}

// fieldPath renders "items[0].serial_number" without the request type name.
func fieldPath(fe validator.FieldError) string {
	_, path, found := strings.Cut(fe.Namespace(), ".")
	if !found {
		return fe.Field()
	}
	return path
}

// withLock runs fn while holding the ledger lock for key.
func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return fmt.Errorf("%w: ledger is busy, try again", store.ErrConflict)
		}
		return err
	}
	defer release()
	return fn()
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Invalidate(ctx, s.statements, keys...); err != nil {
		s.logger.WarnContext(ctx, "invalidate statement cache", slog.Any("keys", keys), slog.Any("error", err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Email: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		ActorEmail: actor.Email,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "write audit log",
			slog.String("action", action),
			slog.String("entity", entityType+"/"+entityID),
			slog.Any("error", err),
		)
	}
}

func customerLockKey(phone string) string {
	return "ledger:customer:" + phone
}

func resellerLockKey(id string) string {
	return "ledger:reseller:" + id
}

// normalizePhone drops every whitespace run so "0803 123 4567" and
// "08031234567" name the same customer.
func normalizePhone(phone string) string {
	return strings.Join(strings.Fields(phone), "")
}

func positiveMoney(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", store.ErrValidation, field)
	}
	return checkPrecision(field, v)
}

func nonNegativeMoney(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", store.ErrValidation, field)
	}
	return checkPrecision(field, v)
}

func checkPrecision(field string, v decimal.Decimal) error {
	if !v.Equal(domain.RoundMoney(v)) {
		return fmt.Errorf("%w: %s has more than two decimal places", store.ErrValidation, field)
	}
	return nil
}
