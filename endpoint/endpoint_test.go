package endpoint_test

import (
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/libos-unixsock/endpoint"
)

var _ = Describe("EndPoint duplex channel", func() {
	var a, b *endpoint.EndPoint

	BeforeEach(func() {
		a, b = endpoint.NewDuplexChannel()
	})

	It("delivers bytes written on one side to the other, in order", func() {
		n, err := a.Write([]byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))

		buf := make([]byte, 5)
		n, err = b.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))
		Expect(buf).To(Equal([]byte("hello")))
	})

	It("reports the peer's name once set, and none once the peer is gone", func() {
		b.SetName("/srv")
		Expect(a.PeerName()).To(Equal("/srv"))

		b.Close()
		Expect(a.PeerName()).To(Equal("none"))
	})

	It("reports POLLHUP once the peer endpoint closes", func() {
		a.SetNonBlocking()
		b.SetNonBlocking()

		b.Close()

		Expect(a.Poll()).To(Equal(uint32(unix.POLLHUP)))
	})

	It("reports the combined POLLIN/POLLOUT flags while both directions are open and data is queued", func() {
		a.SetNonBlocking()
		b.SetNonBlocking()

		_, err := b.Write([]byte("x"))
		Expect(err).NotTo(HaveOccurred())

		flags := a.Poll()
		Expect(flags & unix.POLLIN).To(Equal(uint32(unix.POLLIN)))
		Expect(flags & unix.POLLOUT).To(Equal(uint32(unix.POLLOUT)))
	})

	It("switches to non-blocking reads returning EAGAIN with no data", func() {
		a.SetNonBlocking()

		buf := make([]byte, 1)
		_, err := a.Read(buf)
		Expect(err).To(Equal(unix.EAGAIN))
	})
})
