// Package netkernel applies platform socket buffer tuning (SO_RCVBUF and
// SO_SNDBUF only) to a UDP socket, such as the MissionLink listener, or to a
// TCP connection. It is split into a
// unix build-tagged implementation and an unsupported-platform fallback,
// grounded on the same uname/uname_unsupported split the retrieved
// sockstats example uses for kernel version detection.
package netkernel

import (
	"errors"
	"net"
)

// ErrUnsupported is returned by TuneUDP/TuneTCP on platforms with no
// SO_RCVBUF/SO_SNDBUF implementation here.
var ErrUnsupported = errors.New("netkernel: socket tuning not available on this platform")

// Tuning describes the socket buffer sizes to request from the kernel. A
// zero field leaves that buffer at the OS default.
type Tuning struct {
	RecvBufBytes int `yaml:"recv_buf_bytes"`
	SendBufBytes int `yaml:"send_buf_bytes"`
}

// DefaultTuning mirrors the Mother Ship's expected burst size: enough
// headroom for a handful of in-flight telemetry datagrams or one TS file
// chunk without the kernel silently dropping datagrams under load.
var DefaultTuning = Tuning{
	RecvBufBytes: 256 * 1024,
	SendBufBytes: 256 * 1024,
}

// TuneUDP applies t to conn's underlying socket. On platforms without a
// supported implementation it returns ErrUnsupported and leaves the socket
// untouched; callers should log that and continue rather than fail
// startup over it.
func TuneUDP(conn *net.UDPConn, t Tuning) error {
	return tuneUDP(conn, t)
}

// TuneTCP applies t to conn's underlying socket, as TuneUDP does for UDP.
func TuneTCP(conn *net.TCPConn, t Tuning) error {
	return tuneTCP(conn, t)
}
