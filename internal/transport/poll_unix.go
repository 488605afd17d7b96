//go:build unix

package transport

import (
	"errors"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// tryRead issues a single recvfrom on the already non-blocking descriptor.
// Returning true from the callback keeps the runtime poller from parking us
// when the queue is empty.
func (u *udpConn) tryRead(buf []byte) (int, netip.AddrPort, bool, error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err := u.raw.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), buf, 0)
		return true
	})
	if err != nil {
		return 0, netip.AddrPort{}, false, ErrClosed
	}

	switch {
	case rerr == nil:
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
		return 0, netip.AddrPort{}, false, nil
	default:
		return 0, netip.AddrPort{}, false, os.NewSyscallError("recvfrom", rerr)
	}

	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		return n, netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true, nil
	case *unix.SockaddrInet6:
		return n, netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), true, nil
	default:
		return 0, netip.AddrPort{}, false, os.NewSyscallError("recvfrom", unix.EAFNOSUPPORT)
	}
}
