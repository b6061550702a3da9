package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cmdgate/internal/broker"
	"cmdgate/internal/logger"
	pkgerrors "cmdgate/pkg/errors"
	"cmdgate/pkg/metrics"
	"cmdgate/pkg/models"
	"cmdgate/pkg/retry"
)

// Notifier informs interested parties about pipeline events. All methods
// are best-effort: failures are logged and swallowed, never surfaced to
// the caller.
type Notifier interface {
	CommandPendingApproval(ctx context.Context, commandID, userID string, required int)
	CommandDecision(ctx context.Context, commandID, approverID, decision string)
	CommandExecuted(ctx context.Context, commandID, userID string, newBalance int)
	RuleChanged(ctx context.Context, action, ruleID, actorID string)
}

type KafkaNotifier struct {
	producer broker.Producer
	topic    string
	policy   retry.Policy
	logger   logger.Logger
}

func NewKafkaNotifier(producer broker.Producer, topic string, log logger.Logger) *KafkaNotifier {
	policy := retry.DefaultPolicy()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		policy:   policy,
		logger:   log,
	}
}

func (n *KafkaNotifier) CommandPendingApproval(ctx context.Context, commandID, userID string, required int) {
	n.publish(ctx, models.EventTypeCommandPendingApproval, map[string]interface{}{
		"command_id":         commandID,
		"user_id":            userID,
		"required_approvals": required,
	})
}

func (n *KafkaNotifier) CommandDecision(ctx context.Context, commandID, approverID, decision string) {
	n.publish(ctx, models.EventTypeCommandDecision, map[string]interface{}{
		"command_id":  commandID,
		"approver_id": approverID,
		"decision":    decision,
	})
}

func (n *KafkaNotifier) CommandExecuted(ctx context.Context, commandID, userID string, newBalance int) {
	n.publish(ctx, models.EventTypeCommandExecuted, map[string]interface{}{
		"command_id":  commandID,
		"user_id":     userID,
		"new_balance": newBalance,
	})
}

func (n *KafkaNotifier) RuleChanged(ctx context.Context, action, ruleID, actorID string) {
	n.publish(ctx, models.EventTypeRuleChanged, map[string]interface{}{
		"action":   action,
		"rule_id":  ruleID,
		"actor_id": actorID,
	})
}

func (n *KafkaNotifier) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if n.producer == nil || n.topic == "" {
		return
	}

	envelope := models.MessageEnvelope{
		ID:        uuid.New().String(),
		Source:    "cmdgate-service",
		EventType: eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	err := retry.Retry(ctx, n.policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = pkgerrors.RecoverPanic(r)
			}
		}()
		return n.producer.Publish(ctx, n.topic, envelope)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(eventType, "failed").Inc()
		n.logger.WarnwCtx(ctx, "Failed to publish notification",
			"event_type", eventType,
			"error", err,
		)
		return
	}

	metrics.NotificationsTotal.WithLabelValues(eventType, "published").Inc()
}

// NopNotifier is used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) CommandPendingApproval(ctx context.Context, commandID, userID string, required int) {
}
func (NopNotifier) CommandDecision(ctx context.Context, commandID, approverID, decision string)   {}
func (NopNotifier) CommandExecuted(ctx context.Context, commandID, userID string, newBalance int) {}
func (NopNotifier) RuleChanged(ctx context.Context, action, ruleID, actorID string)               {}
