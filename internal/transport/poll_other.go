//go:build !unix

package transport

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"
)

// pollWindow bounds a receive attempt on platforms without a raw recvfrom.
const pollWindow = time.Millisecond

func (u *udpConn) tryRead(buf []byte) (int, netip.AddrPort, bool, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, netip.AddrPort{}, false, err
	}
	n, from, err := u.conn.ReadFromUDPAddrPort(buf)
	switch {
	case err == nil:
		return n, unmap(from), true, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return 0, netip.AddrPort{}, false, nil
	case errors.Is(err, net.ErrClosed):
		return 0, netip.AddrPort{}, false, ErrClosed
	default:
		return 0, netip.AddrPort{}, false, err
	}
}
