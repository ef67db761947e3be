package app

import (
	"context"
	"fmt"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the slice of store.Tx the state machine writes through.
type OrderStore interface {
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error
}

// OrderStateMachine applies order status transitions.
type OrderStateMachine struct {
	logger *zap.Logger
}

func NewOrderStateMachine(logger *zap.Logger) *OrderStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderStateMachine{logger: logger.Named("orders")}
}

// Transition moves order to next inside the caller's transaction. It reports
// whether the status changed. A terminal order or a non-terminal self
// transition is a successful no-op; any other illegal move is a conflict.
func (m *OrderStateMachine) Transition(ctx context.Context, tx OrderStore, order *domain.Order, next domain.OrderStatus) (bool, error) {
	if order.Status.IsTerminal() {
		m.logger.Info("transition on terminal order ignored",
			zap.String("order_id", order.ID.String()),
			zap.String("status", string(order.Status)),
			zap.String("requested", string(next)),
		)
		return false, nil
	}
	if order.Status == next {
		return false, nil
	}
	if !order.Status.CanTransitionTo(next) {
		return false, domain.NewConflictError("order.transition", fmt.Sprintf("cannot move order from %s to %s", order.Status, next))
	}

	if err := tx.UpdateOrderStatus(ctx, order.ID, next); err != nil {
		return false, err
	}
	order.Status = next
	return true, nil
}
