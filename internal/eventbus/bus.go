// Package eventbus realizes the control plane's durable, per-subject
// ordered, at-least-once event delivery on top of Redis Streams. Every
// dispatch subject is consumed through a named consumer group so
// multiple replicas of a consumer share the stream without double
// delivery beyond the usual at-least-once caveat.
package eventbus

import (
	"context"
	"time"
)

// Message is one delivered entry: an opaque payload plus enough stream
// metadata to ack or nack it.
type Message struct {
	ID      string
	Subject string
	Payload []byte
}

// Bus is the seam between the domain packages and the underlying
// transport so tests can swap in a fake without touching call sites.
type Bus interface {
	// Publish appends payload to subject's stream. Delivery is
	// at-least-once and FIFO within the subject; loss on the publish
	// side (e.g. a crash between store commit and publish) is
	// tolerated by every subscriber because correctness never depends
	// on an event arriving — only the store's own state does.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe starts a consumer group reading subject and returns
	// messages on the returned channel until ctx is cancelled. group
	// identifies the consumer group; consumer identifies this process
	// within the group (so redelivery of a message claimed by a dead
	// consumer can be attributed).
	Subscribe(ctx context.Context, subject, group, consumer string) (<-chan Message, error)

	// Ack confirms successful processing of a message, removing it
	// from the group's pending entries list.
	Ack(ctx context.Context, subject, group, messageID string) error

	// Nack leaves a message pending so it becomes eligible for
	// XCLAIM-based redelivery once claimMinIdle elapses.
	Nack(ctx context.Context, subject, group, messageID string) error

	Close() error
}

// Subjects used across the control plane. The `dispatched.*` family is
// parameterized by pool/isolation at the call site via DispatchSubject.
const (
	SubjectEnqueued        = "enqueued"
	SubjectDeployRequested = "deploy_requested"
	SubjectDeleteRequested = "delete_requested"
	SubjectUsageRecorded   = "usage_recorded"
)

// DispatchSubject returns the dispatch subject for a pool/isolation
// pair: dispatched.t4.shared, dispatched.t4.exclusive, or dispatched.mig
// (MIG jobs carry no isolation suffix — the pool itself is the
// isolation boundary).
func DispatchSubject(pool, isolation string) string {
	if pool == "mig" {
		return "dispatched.mig"
	}
	return "dispatched." + pool + "." + isolation
}

// DefaultClaimMinIdle is how long a message may sit unacked in a
// consumer's pending entries list before another consumer in the group
// may claim and redeliver it.
const DefaultClaimMinIdle = 30 * time.Second
