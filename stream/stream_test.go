package stream_test

import (
	"syscall"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/libos-unixsock/address"
	"github.com/nabbar/libos-unixsock/registry"
	"github.com/nabbar/libos-unixsock/stream"
)

var _ = Describe("StreamUnixSocket", func() {
	var reg *registry.Registry

	BeforeEach(func() {
		reg = registry.New()
	})

	It("carries a basic bind/listen/connect/accept/read/write round trip", func() {
		srv := stream.New(reg, nil)
		cli := stream.New(reg, nil)

		addr, err := address.NewUnixAddr("/srv")
		Expect(err).NotTo(HaveOccurred())

		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(1)).To(Succeed())
		Expect(cli.Connect(addr)).To(Succeed())

		accepted, _, err := srv.Accept(0, nil)
		Expect(err).NotTo(HaveOccurred())

		n, err := cli.Write([]byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))

		buf := make([]byte, 5)
		n, err = accepted.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))
		Expect(buf).To(Equal([]byte("hello")))

		n, err = accepted.Write([]byte("world"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))

		n, err = cli.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))
		Expect(buf).To(Equal([]byte("world")))
	})

	It("returns EAGAIN from a non-blocking accept with no pending connections", func() {
		srv := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/x")

		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(0)).To(Succeed())

		_, _, err := srv.Accept(stream.FlagSockNonblock, nil)
		Expect(err).To(MatchError(unix.EAGAIN))
	})

	It("rejects a second bind to the same path with EADDRINUSE", func() {
		s1 := stream.New(reg, nil)
		s2 := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/y")

		Expect(s1.Bind(addr)).To(Succeed())
		Expect(s1.Listen(0)).To(Succeed())

		Expect(s2.Bind(addr)).To(Succeed())
		err := s2.Listen(0)
		Expect(err).To(MatchError(unix.EADDRINUSE))
	})

	It("refuses a connect to a path with no listener", func() {
		cli := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/nope")

		err := cli.Connect(addr)
		Expect(err).To(MatchError(unix.ECONNREFUSED))
	})

	It("disconnects on a nil-address connect, and ENOTCONN follows", func() {
		srv := stream.New(reg, nil)
		cli := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/srv2")

		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(1)).To(Succeed())
		Expect(cli.Connect(addr)).To(Succeed())

		Expect(cli.Connect(nil)).To(Succeed())

		_, err := cli.Read(make([]byte, 1))
		Expect(err).To(MatchError(unix.ENOTCONN))
	})

	It("transitions to POLLHUP after the peer fully closes and bytes are drained", func() {
		srv := stream.New(reg, nil)
		cli := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/srv3")

		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(1)).To(Succeed())
		Expect(cli.Connect(addr)).To(Succeed())
		accepted, _, err := srv.Accept(0, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = cli.Write([]byte("hi"))
		Expect(err).NotTo(HaveOccurred())
		_, err = accepted.Read(make([]byte, 2))
		Expect(err).NotTo(HaveOccurred())

		Expect(cli.Close()).To(Succeed())

		Expect(accepted.Poll()).To(Equal(uint32(unix.POLLHUP)))
	})

	It("round-trips data over a socketpair", func() {
		x, y, err := stream.SocketPair(reg, nil)
		Expect(err).NotTo(HaveOccurred())

		n, err := x.Write([]byte("abcd"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(4))

		buf := make([]byte, 4)
		n, err = y.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf).To(Equal([]byte("abcd")))

		n, err = y.Write([]byte("efgh"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(4))

		n, err = x.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf).To(Equal([]byte("efgh")))
	})

	It("reports the Linux unconnected-socket poll flags when bound but not listening", func() {
		s := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/unconnected")
		Expect(s.Bind(addr)).To(Succeed())

		Expect(s.Poll()).To(Equal(uint32(unix.POLLHUP | unix.POLLOUT | unix.POLLWRBAND | unix.POLLWRNORM)))
	})

	It("reports FIONREAD via ioctl-equivalent accessor", func() {
		srv := stream.New(reg, nil)
		cli := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/srv4")

		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(1)).To(Succeed())
		Expect(cli.Connect(addr)).To(Succeed())
		accepted, _, err := srv.Accept(0, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = cli.Write([]byte("xyz"))
		Expect(err).NotTo(HaveOccurred())

		n, err := accepted.FIONREAD()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int32(3)))
	})

	It("rejects read_at/write_at with a nonzero offset", func() {
		srv := stream.New(reg, nil)
		cli := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/srv5")
		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(1)).To(Succeed())
		Expect(cli.Connect(addr)).To(Succeed())

		_, err := cli.WriteAt(1, []byte("x"))
		Expect(err).To(MatchError(syscall.ESPIPE))

		_, err = cli.ReadAt(1, make([]byte, 1))
		Expect(err).To(MatchError(syscall.ESPIPE))
	})

	It("mirrors the connecting socket's non-blocking flag onto its own retained channel", func() {
		srv := stream.New(reg, nil)
		cli := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/srv7")
		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(1)).To(Succeed())

		cli.SetNonBlocking()
		Expect(cli.Connect(addr)).To(Succeed())

		_, err := cli.Read(make([]byte, 1))
		Expect(err).To(MatchError(unix.EAGAIN))

		accepted, _, err := srv.Accept(0, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(accepted.IsBlocking()).To(BeTrue())
	})

	It("leaves accept's returned peer address empty, reproducing the listener-channel lookup bug", func() {
		// accept() reads the peer name from the LISTENER's own channel
		// (normally nil), not from the accepted endpoint's actual peer
		// name. This is the documented discrepancy from the original
		// implementation: do not "fix" it to read from the accepted side.
		srv := stream.New(reg, nil)
		cli := stream.New(reg, nil)
		addr, _ := address.NewUnixAddr("/srv6")
		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Listen(1)).To(Succeed())
		Expect(cli.Connect(addr)).To(Succeed())

		buf := make([]byte, 128)
		_, addrLen, err := srv.Accept(0, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(addrLen).To(Equal(0))
	})
})
