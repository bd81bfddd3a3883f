// Package notify sends best-effort operator alerts. A notification
// failure must never affect a job's or endpoint's state transition —
// every call here is fire-and-forget from the caller's perspective.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Notifier is the seam consumed by the Scheduler, Executor, and Deploy
// Worker; tests substitute a no-op or recording fake.
type Notifier interface {
	NotifyJobFailed(ctx context.Context, tenantID, jobID, reason string)
	NotifyDispatchTimeout(ctx context.Context, tenantID, jobID string)
	NotifyReconcileFailed(ctx context.Context, tenantID, endpointID, reason string)
}

// SlackNotifier posts to a single incoming webhook, guarded by a circuit
// breaker so a Slack outage degrades into silent drops rather than
// blocking the caller.
type SlackNotifier struct {
	webhookURL string
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

func NewSlackNotifier(webhookURL string, log *zap.Logger) *SlackNotifier {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "slack-notifier",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &SlackNotifier{webhookURL: webhookURL, breaker: breaker, log: log}
}

func (n *SlackNotifier) send(text string) {
	if n.webhookURL == "" {
		return
	}
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, slack.PostWebhook(n.webhookURL, &slack.WebhookMessage{Text: text})
	})
	if err != nil {
		n.log.Warn("slack notification dropped", zap.Error(err))
	}
}

func (n *SlackNotifier) NotifyJobFailed(ctx context.Context, tenantID, jobID, reason string) {
	n.send(fmt.Sprintf(":x: GPU job `%s` (tenant `%s`) failed: %s", jobID, tenantID, reason))
}

func (n *SlackNotifier) NotifyDispatchTimeout(ctx context.Context, tenantID, jobID string) {
	n.send(fmt.Sprintf(":warning: GPU job `%s` (tenant `%s`) timed out awaiting dispatch", jobID, tenantID))
}

func (n *SlackNotifier) NotifyReconcileFailed(ctx context.Context, tenantID, endpointID, reason string) {
	n.send(fmt.Sprintf(":x: Endpoint `%s` (tenant `%s`) failed to reconcile: %s", endpointID, tenantID, reason))
}

// NoopNotifier discards every alert; used where no webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyJobFailed(context.Context, string, string, string)        {}
func (NoopNotifier) NotifyDispatchTimeout(context.Context, string, string)          {}
func (NoopNotifier) NotifyReconcileFailed(context.Context, string, string, string) {}
