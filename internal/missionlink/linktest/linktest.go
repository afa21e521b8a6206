// Package linktest provides a simulated lossy, duplicating, and
// reordering net.PacketConn test double, standing in for the teacher's
// in-memory "virtio backend" frame channel (internal/netstack/netstack_test.go's
// newTestNetStack) so the handshake/retransmission/reorder-buffer behavior
// can be driven deterministically without opening real UDP sockets.
package linktest

import (
	"net"
	"os"
	"sync"
	"time"
)

// Action is what a Link does with one outbound datagram.
type Action int

const (
	// ActionPass delivers the datagram unmodified.
	ActionPass Action = iota
	// ActionDrop discards the datagram; the receiver never sees it.
	ActionDrop
	// ActionDuplicate delivers the datagram twice.
	ActionDuplicate
)

// Hook inspects one outbound datagram and decides its fate. A nonzero
// delay holds delivery back by that duration, which combined with a
// shorter delay (or none) on a later datagram simulates reordering.
type Hook func(data []byte, from, to *net.UDPAddr) (action Action, delay time.Duration)

type packet struct {
	data []byte
	from *net.UDPAddr
}

// Link wires any number of Endpoints together. Every datagram written by
// one Endpoint to another's address passes through Hook, if set, before
// delivery.
type Link struct {
	mu        sync.Mutex
	hook      Hook
	endpoints map[string]*Endpoint
}

// New returns a Link that passes every datagram through unmodified until
// SetHook installs a loss/reorder/duplication policy.
func New() *Link {
	return &Link{endpoints: make(map[string]*Endpoint)}
}

// SetHook installs (or clears, with nil) the policy applied to every
// datagram crossing the link from this point on.
func (l *Link) SetHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// Endpoint returns a PacketConn-compatible endpoint bound to addr and
// registered with the link under that address.
func (l *Link) Endpoint(addr *net.UDPAddr) *Endpoint {
	ep := &Endpoint{
		addr:   addr,
		link:   l,
		inbox:  make(chan packet, 256),
		closed: make(chan struct{}),
	}
	l.mu.Lock()
	l.endpoints[addr.String()] = ep
	l.mu.Unlock()
	return ep
}

// Spoof returns a send-only Endpoint claiming addr as its source without
// registering it as a routable destination, so it never steals datagrams
// meant for the real Endpoint already bound to addr. Tests use it to
// inject a datagram out of a real sender's causal order: on the wire,
// nothing enforces that packets a host sends in sequence also arrive in
// that sequence, which is exactly the condition the reorder buffer exists
// to absorb.
func (l *Link) Spoof(addr *net.UDPAddr) *Endpoint {
	return &Endpoint{addr: addr, link: l, closed: make(chan struct{})}
}

func (l *Link) deliver(data []byte, from, to *net.UDPAddr) {
	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()

	action, delay := ActionPass, time.Duration(0)
	if hook != nil {
		action, delay = hook(data, from, to)
	}
	if action == ActionDrop {
		return
	}

	l.send(data, from, to, delay)
	if action == ActionDuplicate {
		l.send(append([]byte(nil), data...), from, to, delay)
	}
}

func (l *Link) send(data []byte, from, to *net.UDPAddr, delay time.Duration) {
	l.mu.Lock()
	dst, ok := l.endpoints[to.String()]
	l.mu.Unlock()
	if !ok {
		return
	}

	deliver := func() {
		select {
		case dst.inbox <- packet{data: data, from: from}:
		case <-dst.closed:
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, deliver)
		return
	}
	go deliver()
}

// Endpoint is one side of a Link: a PacketConn the session engine can
// Read/WriteToUDP exactly as it would a *net.UDPConn.
type Endpoint struct {
	addr   *net.UDPAddr
	link   *Link
	inbox  chan packet
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
}

// ReadFromUDP implements missionlink.PacketConn.
func (e *Endpoint) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	e.mu.Lock()
	dl := e.deadline
	e.mu.Unlock()

	var timeoutCh <-chan time.Time
	if !dl.IsZero() {
		d := time.Until(dl)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-e.closed:
		return 0, nil, net.ErrClosed
	case p := <-e.inbox:
		n := copy(b, p.data)
		return n, p.from, nil
	case <-timeoutCh:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteToUDP implements missionlink.PacketConn.
func (e *Endpoint) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	data := append([]byte(nil), b...)
	e.link.deliver(data, e.addr, addr)
	return len(b), nil
}

// SetReadDeadline implements missionlink.PacketConn.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	e.deadline = t
	e.mu.Unlock()
	return nil
}

// Close implements missionlink.PacketConn.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}

// LocalAddr implements missionlink.PacketConn.
func (e *Endpoint) LocalAddr() net.Addr { return e.addr }
