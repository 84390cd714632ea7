package registry_test

import (
	"syscall"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/libos-unixsock/registry"
)

var _ = Describe("ServerRegistry", func() {
	var reg *registry.Registry

	BeforeEach(func() {
		reg = registry.New()
	})

	It("allows exactly one listener per path", func() {
		_, err := reg.CreateServer("/y")
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.CreateServer("/y")
		Expect(err).To(Equal(syscall.EADDRINUSE))
	})

	It("delivers pending connections in FIFO order", func() {
		s, err := reg.CreateServer("/srv")
		Expect(err).NotTo(HaveOccurred())

		s.PushPending("first")
		s.PushPending("second")

		c, ok := s.PopPending()
		Expect(ok).To(BeTrue())
		Expect(c).To(Equal("first"))

		c, ok = s.PopPending()
		Expect(ok).To(BeTrue())
		Expect(c).To(Equal("second"))

		_, ok = s.PopPending()
		Expect(ok).To(BeFalse())
	})

	It("removes the entry unconditionally on RemoveServer", func() {
		_, err := reg.CreateServer("/z")
		Expect(err).NotTo(HaveOccurred())

		reg.RemoveServer("/z")
		_, ok := reg.GetServer("/z")
		Expect(ok).To(BeFalse())

		// a fresh bind of the same path after removal must succeed again
		_, err = reg.CreateServer("/z")
		Expect(err).NotTo(HaveOccurred())
	})
})
