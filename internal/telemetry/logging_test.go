package telemetry

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewLogger", func() {
	It("should build a usable logger at a known level", func() {
		log, err := NewLogger("info", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(log).NotTo(BeNil())
	})

	It("should fall back to info for an unrecognized level", func() {
		log, err := NewLogger("not-a-level", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(log).NotTo(BeNil())
	})
})

var _ = Describe("AsLogr", func() {
	It("should adapt a zap logger to logr.Logger", func() {
		log, err := NewLogger("info", true)
		Expect(err).NotTo(HaveOccurred())

		adapted := AsLogr(log)
		Expect(adapted.GetSink()).NotTo(BeNil())
	})
})

var _ = Describe("JobFields", func() {
	It("should include only the non-empty fields", func() {
		fields := JobFields("tenant-1", "", "job-1", "")
		Expect(fields).To(HaveLen(2))
	})

	It("should include all fields when populated", func() {
		fields := JobFields("tenant-1", "project-1", "job-1", "token-1")
		Expect(fields).To(HaveLen(4))
	})
})

var _ = Describe("EndpointFields", func() {
	It("should include only the non-empty fields", func() {
		fields := EndpointFields("tenant-1", "project-1", "")
		Expect(fields).To(HaveLen(2))
	})
})
