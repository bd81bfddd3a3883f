// Package dispatcher bridges the event bus to job execution. Both
// modes subscribe to the same dispatch subjects and apply the same
// dispatch_token ownership check before doing any work; they differ
// only in how the Executor actually runs.
package dispatcher

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/pkg/events"
	"github.com/nimbusforge/gpucp/pkg/jobs"
)

// Dispatcher consumes dispatch events from every pool/isolation subject
// and invokes a Mode-specific launch for each.
type Dispatcher struct {
	bus    eventbus.Bus
	repo   *jobs.Repository
	launch Launcher
	group  string
	log    *zap.Logger
}

// Launcher is the single method a dispatch Mode must implement: launch
// the job however that mode launches jobs (in-process call, or a
// submitted orchestration-plane unit).
type Launcher interface {
	Launch(ctx context.Context, jobID, dispatchToken string) error
}

// Subjects is every subject the dispatcher must subscribe to: the t4
// shared/exclusive pair and the collapsed mig subject.
var Subjects = []string{
	eventbus.DispatchSubject("t4", "shared"),
	eventbus.DispatchSubject("t4", "exclusive"),
	eventbus.DispatchSubject("mig", ""),
}

func New(bus eventbus.Bus, repo *jobs.Repository, launch Launcher, consumerGroup string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{bus: bus, repo: repo, launch: launch, group: consumerGroup, log: log}
}

// Run subscribes to every dispatch subject and processes messages until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, consumerName string) error {
	for _, subject := range Subjects {
		ch, err := d.bus.Subscribe(ctx, subject, d.group, consumerName)
		if err != nil {
			return err
		}
		go d.consume(ctx, subject, ch)
	}
	<-ctx.Done()
	return nil
}

func (d *Dispatcher) consume(ctx context.Context, subject string, ch <-chan eventbus.Message) {
	for msg := range ch {
		d.handle(ctx, subject, msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, subject string, msg eventbus.Message) {
	var evt events.Dispatched
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		d.log.Error("malformed dispatch event, dropping", zap.Error(err), zap.String("subject", subject))
		_ = d.bus.Ack(ctx, subject, d.group, msg.ID)
		return
	}

	job, err := d.repo.Get(ctx, evt.JobID)
	if err != nil {
		d.log.Error("failed to load dispatched job", zap.Error(err), zap.String("job_id", evt.JobID))
		_ = d.bus.Nack(ctx, subject, d.group, msg.ID)
		return
	}

	if job.DispatchToken == nil || *job.DispatchToken != evt.DispatchToken {
		// Stale: a later dispatch, a revert, or a replay. The current
		// owner (if any) already has its own event to act on.
		_ = d.bus.Ack(ctx, subject, d.group, msg.ID)
		return
	}

	if err := d.launch.Launch(ctx, evt.JobID, evt.DispatchToken); err != nil {
		d.log.Error("launch failed", zap.Error(err), zap.String("job_id", evt.JobID))
		_ = d.bus.Nack(ctx, subject, d.group, msg.ID)
		return
	}

	_ = d.bus.Ack(ctx, subject, d.group, msg.ID)
}
