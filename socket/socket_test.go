package socket_test

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/libos-unixsock/address"
	"github.com/nabbar/libos-unixsock/hostpolicy"
	"github.com/nabbar/libos-unixsock/registry"
	"github.com/nabbar/libos-unixsock/socket"
)

var _ = Describe("UnixSocket router", func() {
	var (
		reg        *registry.Registry
		pureLibos  *hostpolicy.Policy
	)

	BeforeEach(func() {
		reg = registry.New()
		pureLibos, _ = hostpolicy.NewPolicy(nil)
	})

	It("rejects a protocol other than 0 or AF_UNIX", func() {
		_, err := socket.New(unix.SOCK_STREAM, 0, unix.IPPROTO_TCP, reg, pureLibos, nil)
		Expect(err).To(MatchError(unix.EPROTONOSUPPORT))
	})

	It("routes an entirely libos bind/listen/connect/accept/read/write sequence", func() {
		srv, err := socket.New(unix.SOCK_STREAM, 0, 0, reg, pureLibos, nil)
		Expect(err).NotTo(HaveOccurred())
		cli, err := socket.New(unix.SOCK_STREAM, 0, 0, reg, pureLibos, nil)
		Expect(err).NotTo(HaveOccurred())

		addr, _ := address.NewUnixAddr("/router-srv")
		Expect(srv.Bind(addr)).To(Succeed())
		Expect(srv.Source()).To(Equal(socket.SourceLibos))

		Expect(srv.Listen(1)).To(Succeed())
		Expect(cli.Connect(addr)).To(Succeed())
		Expect(cli.Source()).To(Equal(socket.SourceLibos))

		accepted, _, err := srv.Accept(0, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(accepted.Source()).To(Equal(socket.SourceLibos))

		n, err := cli.Write([]byte("ping"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(4))

		buf := make([]byte, 4)
		n, err = accepted.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf).To(Equal([]byte("ping")))
	})

	It("classifies a bind against a configured host path as Host and dispatches to the real kernel", func() {
		dir := GinkgoT().TempDir()
		hostPath := filepath.Join(dir, "host.sock")

		policy, err := hostpolicy.NewPolicy([]string{hostPath})
		Expect(err).NotTo(HaveOccurred())

		s, err := socket.New(unix.SOCK_STREAM, 0, 0, reg, policy, nil)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		addr, _ := address.NewUnixAddr(hostPath)
		Expect(s.Bind(addr)).To(Succeed())
		Expect(s.Source()).To(Equal(socket.SourceHost))
	})

	It("rejects socketpair for a non-stream socket type", func() {
		_, _, err := socket.SocketPair(unix.SOCK_DGRAM, reg, pureLibos, nil)
		Expect(err).To(MatchError(unix.EOPNOTSUPP))
	})

	It("round-trips a libos socketpair through the router", func() {
		x, y, err := socket.SocketPair(unix.SOCK_STREAM, reg, pureLibos, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(x.Source()).To(Equal(socket.SourceLibos))
		Expect(y.Source()).To(Equal(socket.SourceLibos))

		n, err := x.Write([]byte("abcd"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(4))

		buf := make([]byte, 4)
		n, err = y.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf).To(Equal([]byte("abcd")))
	})
})
