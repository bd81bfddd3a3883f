package eventbus

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ = Describe("RedisBus", func() {
	var (
		mr     *miniredis.Miniredis
		bus    *RedisBus
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus = NewRedisBusWithClient(client, zap.NewNop())
		bus.claimMin = 50 * time.Millisecond

		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
		_ = bus.Close()
		mr.Close()
	})

	It("delivers a published message to a subscriber", func() {
		msgs, err := bus.Subscribe(ctx, "enqueued", "scheduler-group", "consumer-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(bus.Publish(ctx, "enqueued", []byte(`{"job_id":"j-1"}`))).To(Succeed())

		Eventually(msgs, time.Second).Should(Receive(WithTransform(func(m Message) string {
			return string(m.Payload)
		}, Equal(`{"job_id":"j-1"}`))))
	})

	It("does not redeliver an acked message", func() {
		msgs, err := bus.Subscribe(ctx, "enqueued", "scheduler-group", "consumer-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(bus.Publish(ctx, "enqueued", []byte(`{"job_id":"j-2"}`))).To(Succeed())

		var received Message
		Eventually(msgs, time.Second).Should(Receive(&received))
		Expect(bus.Ack(ctx, "enqueued", "scheduler-group", received.ID)).To(Succeed())

		Consistently(msgs, 200*time.Millisecond).ShouldNot(Receive())
	})

	It("redelivers a message left unacked past the claim window", func() {
		msgs, err := bus.Subscribe(ctx, "dispatched.t4.shared", "dispatcher-group", "consumer-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(bus.Publish(ctx, "dispatched.t4.shared", []byte(`{"job_id":"j-3"}`))).To(Succeed())

		var first Message
		Eventually(msgs, time.Second).Should(Receive(&first))
		// Deliberately do not ack — simulate a consumer that died mid-processing.

		var redelivered Message
		Eventually(msgs, 2*time.Second).Should(Receive(&redelivered))
		Expect(redelivered.Payload).To(Equal(first.Payload))
	})
})

var _ = Describe("DispatchSubject", func() {
	It("builds pool.isolation subjects for t4", func() {
		Expect(DispatchSubject("t4", "shared")).To(Equal("dispatched.t4.shared"))
		Expect(DispatchSubject("t4", "exclusive")).To(Equal("dispatched.t4.exclusive"))
	})

	It("collapses mig to a single subject regardless of isolation", func() {
		Expect(DispatchSubject("mig", "exclusive")).To(Equal("dispatched.mig"))
	})
})
