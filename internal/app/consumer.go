package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/pkg/rabbitmq"
)

const (
	TriggerRecurringBuy = "strategy.trigger.recurring_buy"
	TriggerSubscription = "strategy.trigger.subscription"
	TriggerLimitOrder   = "strategy.trigger.limit_order"

	triggerTimeout = 15 * time.Second
)

type executeFunc func(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error)

// TriggerConsumer runs strategies on behalf of upstream schedulers and price watchers.
type TriggerConsumer struct {
	service *Service
}

func NewTriggerConsumer(service *Service) *TriggerConsumer {
	return &TriggerConsumer{service: service}
}

// Handlers maps every trigger routing key to its handler.
func (c *TriggerConsumer) Handlers() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		TriggerRecurringBuy: c.handler(TriggerRecurringBuy, c.service.ExecuteRecurringBuy),
		TriggerSubscription: c.handler(TriggerSubscription, c.service.ExecuteSubscriptionPayment),
		TriggerLimitOrder:   c.handler(TriggerLimitOrder, c.service.ExecuteLimitOrder),
	}
}

// handler decodes a trigger and executes it. A redelivered trigger replays through its
// idempotency key, so triggers without one are rejected.
func (c *TriggerConsumer) handler(routingKey string, execute executeFunc) rabbitmq.Handler {
	return func(body []byte) rabbitmq.Outcome {
		var event domain.StrategyTriggerEvent
		if err := json.Unmarshal(body, &event); err != nil {
			log.Printf("level=warn component=trigger_consumer msg=\"failed to decode trigger\" routing_key=%s err=%v", routingKey, err)
			return rabbitmq.Drop
		}
		if event.CardStackID == uuid.Nil || event.SubCardID == uuid.Nil || strings.TrimSpace(event.IdempotencyKey) == "" {
			log.Printf("level=warn component=trigger_consumer msg=\"trigger missing required fields\" routing_key=%s card_stack_id=%s sub_card_id=%s", routingKey, event.CardStackID, event.SubCardID)
			return rabbitmq.Drop
		}

		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()

		result, err := execute(ctx, domain.ExecutionRequest{
			CardStackID:    event.CardStackID,
			SubCardID:      event.SubCardID,
			Amount:         event.Amount,
			Recipient:      event.Recipient,
			IdempotencyKey: event.IdempotencyKey,
		})
		if err != nil {
			var execErr *ExecutionError
			if errors.As(err, &execErr) {
				log.Printf("level=info component=trigger_consumer msg=\"trigger rejected\" routing_key=%s sub_card_id=%s class=%s code=%s", routingKey, event.SubCardID, execErr.Class, execErr.Code)
				return rabbitmq.Ack
			}
			log.Printf("level=error component=trigger_consumer msg=\"trigger failed; re-queuing\" routing_key=%s sub_card_id=%s err=%v", routingKey, event.SubCardID, err)
			return rabbitmq.Requeue
		}
		log.Printf("level=info component=trigger_consumer msg=\"trigger executed\" routing_key=%s attempt_id=%s state=%s success=%t", routingKey, result.AttemptID, result.State, result.Success)
		return rabbitmq.Ack
	}
}
