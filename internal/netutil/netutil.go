// Package netutil builds the UDP sockets the dispatcher needs: a shared
// receive socket and one private send socket per worker, both bound to the
// same address with SO_REUSEADDR/SO_REUSEPORT so the kernel can distribute
// load across them. This is a direct translation of utrack's setsockopt
// calls into net.ListenConfig.Control.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenUDPReusable opens a UDP socket bound to addr with SO_REUSEADDR and
// (where available) SO_REUSEPORT set, and its receive/send buffers sized to
// bufSize bytes. Multiple sockets built this way can share one port: the
// kernel load-balances incoming datagrams across every socket with
// SO_REUSEPORT set that's bound to it.
func ListenUDPReusable(network, addr string, bufSize int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setReuseAndBuffers(int(fd), bufSize)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen %s %s: %w", network, addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("netutil: listen %s %s: not a UDP connection", network, addr)
	}
	return conn, nil
}

func setReuseAndBuffers(fd, bufSize int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	// SO_REUSEPORT lets every worker's private send socket, and the shared
	// receive socket, all bind the same port; not fatal if the platform
	// lacks it (older kernels), so its error is ignored here, matching the
	// "where available" wording on ListenUDPReusable.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	if bufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}
	return nil
}
