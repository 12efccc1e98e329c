package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/pkg/rabbitmq"
)

const (
	DefaultEventsExchange = "cardstack.events"
	sideEffectTimeout     = 5 * time.Second

	activityStatusSuccess = "success"
	activityStatusFailed  = "failed"
	activityStatusPending = "pending"
)

// ActivitySink receives execution records. Implementations must not block the caller
// past their own timeout and must not fail the execution.
type ActivitySink interface {
	RecordExecution(ctx context.Context, event domain.ExecutionEvent)
}

// EventSink publishes execution records to RabbitMQ for the activity log and
// notification services.
type EventSink struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewEventSink(publisher rabbitmq.Publisher, exchange string) *EventSink {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultEventsExchange
	}
	return &EventSink{publisher: publisher, exchange: exchange}
}

type executionNotification struct {
	OwnerID   string    `json:"owner_id"`
	AttemptID string    `json:"attempt_id"`
	Status    string    `json:"status"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordExecution publishes the activity record and the owner notification.
// Publish failures are logged and swallowed.
func (s *EventSink) RecordExecution(ctx context.Context, event domain.ExecutionEvent) {
	if s == nil || s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	activityKey := fmt.Sprintf("activity.%s.%s", strings.ToLower(string(event.Kind)), event.Status)
	if err := s.publisher.Publish(ctx, s.exchange, activityKey, event); err != nil {
		log.Printf("level=warn component=activity_sink class=%s msg=\"activity publish failed\" attempt_id=%s routing_key=%s err=%v", ClassCollaborator, event.AttemptID, activityKey, err)
	}

	notification := executionNotification{
		OwnerID:   event.OwnerID,
		AttemptID: event.AttemptID.String(),
		Status:    event.Status,
		Title:     notificationTitle(event),
		Body:      notificationBody(event),
		CreatedAt: event.OccurredAt,
	}
	notificationKey := "notification.execution." + event.Status
	if err := s.publisher.Publish(ctx, s.exchange, notificationKey, notification); err != nil {
		log.Printf("level=warn component=activity_sink class=%s msg=\"notification publish failed\" attempt_id=%s routing_key=%s err=%v", ClassCollaborator, event.AttemptID, notificationKey, err)
	}
}

func notificationTitle(event domain.ExecutionEvent) string {
	var action string
	switch event.Kind {
	case domain.SubCardKindRecurringBuy:
		action = "Recurring buy"
	case domain.SubCardKindLimitOrder:
		action = "Limit order"
	case domain.SubCardKindSubscription:
		action = "Subscription payment"
	default:
		action = "Execution"
	}
	switch event.Status {
	case activityStatusSuccess:
		return action + " completed"
	case activityStatusPending:
		return action + " pending confirmation"
	default:
		return action + " failed"
	}
}

func notificationBody(event domain.ExecutionEvent) string {
	amount := strings.TrimSpace(event.AmountDisplay + " " + event.SourceTokenSymbol)
	switch event.Kind {
	case domain.SubCardKindSubscription:
		target := event.Label
		if target == "" {
			target = event.Recipient
		}
		return fmt.Sprintf("%s to %s", amount, target)
	case domain.SubCardKindRecurringBuy, domain.SubCardKindLimitOrder:
		if event.TargetTokenSymbol != "" {
			return fmt.Sprintf("%s for %s", amount, event.TargetTokenSymbol)
		}
	}
	return amount
}

func activityStatus(attempt *domain.ExecutionAttempt) string {
	switch attempt.State {
	case domain.AttemptStateSettled, domain.AttemptStateActed:
		return activityStatusSuccess
	case domain.AttemptStatePullUnknown, domain.AttemptStateActUnknown:
		return activityStatusPending
	default:
		return activityStatusFailed
	}
}
