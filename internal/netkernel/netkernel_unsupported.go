//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly
// +build !linux,!darwin,!freebsd,!openbsd,!netbsd,!dragonfly

package netkernel

import (
	"net"
)

func tuneUDP(conn *net.UDPConn, t Tuning) error { return ErrUnsupported }
func tuneTCP(conn *net.TCPConn, t Tuning) error { return ErrUnsupported }
