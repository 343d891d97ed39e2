package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/domain"
)

// ActiveOrderResolver looks up the order bound to a caller's session.
// It returns "" when the session has no active order.
type ActiveOrderResolver interface {
	ActiveOrderID(ctx context.Context, sessionToken string) (string, error)
}

// OwnershipGuard stops a caller from acting on an order that is not its own.
type OwnershipGuard struct {
	resolver ActiveOrderResolver
	logger   *zap.Logger
}

type GuardOption func(*OwnershipGuard)

func WithGuardLogger(l *zap.Logger) GuardOption {
	return func(g *OwnershipGuard) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewOwnershipGuard(resolver ActiveOrderResolver, opts ...GuardOption) *OwnershipGuard {
	g := &OwnershipGuard{resolver: resolver, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// VerifyOwnership fails closed: any mismatch, including no active order, is ErrForbidden.
func (g *OwnershipGuard) VerifyOwnership(ctx context.Context, caller domain.Caller, orderID string) error {
	var active string
	if caller.SessionToken != "" {
		id, err := g.resolver.ActiveOrderID(ctx, caller.SessionToken)
		if err != nil {
			return fmt.Errorf("resolve active order: %w", err)
		}
		active = id
	}

	if active == "" || !sameOrderID(active, orderID) {
		g.logger.Warn("order ownership mismatch",
			zap.String("requested_order_id", orderID),
			zap.String("active_order_id", active),
		)
		return domain.ErrForbidden
	}
	return nil
}

// sameOrderID compares UUIDs in canonical form, so any spelling of the same
// id matches. Other ids must be equal byte for byte.
func sameOrderID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA == nil && errB == nil {
		return ua == ub
	}
	return a == b
}
