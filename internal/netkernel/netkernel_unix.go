//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly
// +build linux freebsd openbsd darwin netbsd dragonfly

package netkernel

import (
	"net"

	"golang.org/x/sys/unix"
)

func tuneUDP(conn *net.UDPConn, t Tuning) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	return applyTuning(raw, t)
}

func tuneTCP(conn *net.TCPConn, t Tuning) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	return applyTuning(raw, t)
}

func applyTuning(raw interface{ Control(f func(fd uintptr)) error }, t Tuning) error {
	var setErr error
	err := raw.Control(func(fd uintptr) {
		if t.RecvBufBytes > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, t.RecvBufBytes); e != nil {
				setErr = e
				return
			}
		}
		if t.SendBufBytes > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, t.SendBufBytes); e != nil {
				setErr = e
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return setErr
}
