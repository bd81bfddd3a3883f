package validation

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("QueryJSON", func() {
	It("returns the value at the given query", func() {
		v, err := QueryJSON(json.RawMessage(`{"canaryTrafficPercent":30}`), ".canaryTrafficPercent")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeEquivalentTo(30))
	})

	It("rejects a malformed query", func() {
		_, err := QueryJSON(json.RawMessage(`{}`), "(")
		Expect(err).To(HaveOccurred())
	})

	It("rejects invalid json", func() {
		_, err := QueryJSON(json.RawMessage(`not json`), ".")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RejectUnknownFields", func() {
	It("passes a document with only allowed fields", func() {
		raw := json.RawMessage(`{"modelFormat":"triton","protocolVersion":"v2"}`)
		Expect(RejectUnknownFields(raw, "modelFormat", "protocolVersion", "artifactUri")).NotTo(HaveOccurred())
	})

	It("fails on a field outside the allowed set", func() {
		raw := json.RawMessage(`{"modelFormat":"triton","replicas":3}`)
		err := RejectUnknownFields(raw, "modelFormat", "protocolVersion", "artifactUri")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("replicas"))
	})

	It("is a no-op on an empty document", func() {
		Expect(RejectUnknownFields(json.RawMessage(``), "modelFormat")).NotTo(HaveOccurred())
	})
})

var _ = Describe("RejectDangerousKeys", func() {
	It("passes an ordinary nested document", func() {
		raw := json.RawMessage(`{"prompt":"hi","options":{"temperature":0.7}}`)
		Expect(RejectDangerousKeys(raw, "__proto__", "constructor", "prototype")).NotTo(HaveOccurred())
	})

	It("fails when a blocked key appears at the top level", func() {
		raw := json.RawMessage(`{"__proto__":{"polluted":true}}`)
		err := RejectDangerousKeys(raw, "__proto__", "constructor", "prototype")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("__proto__"))
	})

	It("fails when a blocked key appears nested", func() {
		raw := json.RawMessage(`{"prompt":"hi","nested":{"constructor":{"x":1}}}`)
		err := RejectDangerousKeys(raw, "__proto__", "constructor", "prototype")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("constructor"))
	})
})
