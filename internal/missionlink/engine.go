// Package missionlink implements the MissionLink session engine: the
// three-way handshake, stop-and-wait data transfer (inline and file
// variants), the four-way teardown, duplicate suppression, and the
// adaptive-timeout/reorder-buffer machinery spec §4 describes.
//
// Socket sharing between Accept and an in-flight Send/Recv is resolved the
// way spec §9's Design Notes explicitly permit as a cleaner alternative to
// a peek-and-lock: a single reader goroutine owns the one recvfrom on the
// shared socket and demultiplexes every inbound datagram by source address
// into a per-session channel, with a dedicated channel for SYNs from
// unrecognized peers. Grounded on the teacher's NetStack dispatch model
// (internal/netstack/netstack.go in the tinyrange-cc example):
// tcpListener.incoming and tcpConn.recvBuf play exactly this role there.
package missionlink

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/groundcrew/missionlink/internal/reorder"
	"github.com/groundcrew/missionlink/internal/rttestimate"
	"github.com/groundcrew/missionlink/internal/wire"
)

// PacketConn is the subset of *net.UDPConn the engine needs. Tests
// substitute an in-memory implementation (internal/missionlink/linktest) to
// drive loss/reorder/duplication scenarios without real sockets.
type PacketConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

type inboundPacket struct {
	pkt  *wire.Packet
	addr *net.UDPAddr
}

type sessionQueue struct {
	ch chan inboundPacket
}

type synArrival struct {
	addr *net.UDPAddr
	pkt  *wire.Packet
}

// Engine owns one UDP socket and every session, RTT estimate, and reorder
// buffer associated with it. Create one per rover or per Mother Ship
// listener; RTT/reorder state is process-wide to the Engine and torn down
// with it, never a package-level global.
type Engine struct {
	conn PacketConn
	cfg  Config
	log  *slog.Logger

	rtt     *rttestimate.Estimator
	reorder *reorder.Buffer

	mu       sync.Mutex
	sessions map[string]*sessionQueue

	newConns chan synArrival
	closeCh  chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewEngine starts the single reader goroutine over conn and returns a
// ready Engine. Close must be called to stop it.
func NewEngine(conn PacketConn, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		conn:     conn,
		cfg:      cfg,
		log:      log,
		rtt:      rttestimate.New(cfg.BaseTimeout),
		reorder:  reorder.New(cfg.ReorderBufferSize, cfg.ReorderMaxWait),
		sessions: make(map[string]*sessionQueue),
		newConns: make(chan synArrival, defaultNewConnChanBuffer),
		closeCh:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.readLoop()
	return e
}

// Close stops the reader goroutine and closes the underlying socket.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closeCh)
	e.mu.Unlock()

	err := e.conn.Close()
	e.wg.Wait()
	return err
}

func (e *Engine) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, e.cfg.BufferSize*2)
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-e.closeCh:
				return
			default:
				e.log.Debug("missionlink: read error", "err", err)
				continue
			}
		}

		raw := append([]byte(nil), buf[:n]...)
		pkt, err := wire.Decode(raw)
		if err != nil {
			// Malformed packet: dropped silently, never surfaced (spec §7).
			e.log.Debug("missionlink: dropped malformed packet", "peer", addr, "err", err)
			continue
		}

		e.dispatch(addr, pkt)
	}
}

func (e *Engine) dispatch(addr *net.UDPAddr, pkt *wire.Packet) {
	key := addr.String()

	e.mu.Lock()
	sq, ok := e.sessions[key]
	e.mu.Unlock()

	if ok {
		select {
		case sq.ch <- inboundPacket{pkt: pkt, addr: addr}:
		default:
			e.log.Warn("missionlink: session queue full, dropping packet", "peer", key)
		}
		return
	}

	if pkt.Flag == wire.FlagSyn {
		select {
		case e.newConns <- synArrival{addr: addr, pkt: pkt}:
		default:
			e.log.Warn("missionlink: new-connection queue full, dropping SYN", "peer", key)
		}
		return
	}

	// No session for this peer and it isn't a SYN: wrong-peer-source /
	// stale-session datagram, silently dropped per spec §4.10.
}

func (e *Engine) registerSession(key string) *sessionQueue {
	sq := &sessionQueue{ch: make(chan inboundPacket, defaultSessionChanBuffer)}
	e.mu.Lock()
	e.sessions[key] = sq
	e.mu.Unlock()
	return sq
}

func (e *Engine) unregisterSession(key string) {
	e.mu.Lock()
	delete(e.sessions, key)
	e.mu.Unlock()
}

func (e *Engine) sendRaw(pkt wire.Packet, peer *net.UDPAddr) error {
	_, err := e.conn.WriteToUDP(wire.Encode(pkt), peer)
	return ioErr("send", err)
}

func (e *Engine) initialSeq() int {
	if e.cfg.RandomizeISN {
		return 1 + rand.Intn(1_000_000)
	}
	return DefaultInitialSeq
}

// Open performs the sender-side three-way handshake (spec §4.4) and returns
// an established Session ready for Send.
func (e *Engine) Open(ctx context.Context, peer *net.UDPAddr, agentID string) (*Session, error) {
	key := peer.String()
	sq := e.registerSession(key)

	seq := e.initialSeq()
	syn := wire.Packet{Flag: wire.FlagSyn, MissionID: agentID, Seq: seq, Ack: 0, Op: wire.OpNone, Payload: wire.ControlPayload}

	var synAck *wire.Packet
	attempt := 0
	for ; attempt < e.cfg.HandshakeRetxCap; attempt++ {
		if err := e.sendRaw(syn, peer); err != nil {
			e.unregisterSession(key)
			return nil, err
		}

		inbound, ok := waitOn(ctx, sq.ch, e.cfg.BaseTimeout)
		if !ok {
			if err := ctx.Err(); err != nil {
				e.unregisterSession(key)
				return nil, err
			}
			continue
		}
		if inbound.pkt.Flag == wire.FlagSynAck && inbound.pkt.MissionID == agentID && inbound.pkt.Seq == seq {
			p := inbound.pkt
			synAck = p
			break
		}
	}
	if synAck == nil {
		e.unregisterSession(key)
		return nil, &HandshakeFailedError{Peer: key, Attempts: attempt}
	}

	ack := wire.Packet{Flag: wire.FlagAck, MissionID: agentID, Seq: seq, Ack: seq, Op: wire.OpNone, Payload: wire.ControlPayload}
	if err := e.sendRaw(ack, peer); err != nil {
		e.unregisterSession(key)
		return nil, err
	}

	sess := &Session{
		engine:  e,
		peer:    peer,
		agentID: agentID,
		role:    roleSender,
		seq:     seq + 1,
		ack:     seq + 1,
		ch:      sq.ch,
		log:     e.log.With("peer", key, "role", "sender"),
	}
	e.log.Info("missionlink: handshake complete", "peer", key, "role", "sender", "agent_id", agentID)
	return sess, nil
}

// Accept waits for a SYN from any peer and completes the receiver-side
// three-way handshake (spec §4.4), returning an established Session ready
// for Recv.
func (e *Engine) Accept(ctx context.Context) (*Session, error) {
	var arrival synArrival
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.closeCh:
			return nil, net.ErrClosed
		case arrival = <-e.newConns:
		}

		key := arrival.addr.String()
		e.mu.Lock()
		_, already := e.sessions[key]
		e.mu.Unlock()
		if already {
			// A session already exists for this peer; a stray SYN (e.g. a
			// retransmitted one the first handshake already consumed)
			// never starts a second session concurrently.
			continue
		}
		break
	}

	key := arrival.addr.String()
	agentID := arrival.pkt.MissionID
	seq := arrival.pkt.Seq
	sq := e.registerSession(key)

	synAck := wire.Packet{Flag: wire.FlagSynAck, MissionID: agentID, Seq: seq, Ack: arrival.pkt.Ack, Op: wire.OpNone, Payload: wire.ControlPayload}

	acked := false
	attempt := 0
	for ; attempt < e.cfg.HandshakeRetxCap; attempt++ {
		if err := e.sendRaw(synAck, arrival.addr); err != nil {
			e.unregisterSession(key)
			return nil, err
		}

		inbound, ok := waitOn(ctx, sq.ch, e.cfg.BaseTimeout)
		if !ok {
			if err := ctx.Err(); err != nil {
				e.unregisterSession(key)
				return nil, err
			}
			continue
		}
		if inbound.pkt.Flag == wire.FlagAck && inbound.pkt.Seq == seq && inbound.pkt.Ack == seq && inbound.pkt.MissionID == agentID {
			acked = true
			break
		}
	}
	if !acked {
		e.unregisterSession(key)
		return nil, &HandshakeFailedError{Peer: key, Attempts: attempt}
	}

	sess := &Session{
		engine:  e,
		peer:    arrival.addr,
		agentID: agentID,
		role:    roleReceiver,
		seq:     seq + 1,
		ack:     seq + 1,
		ch:      sq.ch,
		log:     e.log.With("peer", key, "role", "receiver"),
	}
	e.log.Info("missionlink: handshake complete", "peer", key, "role", "receiver", "agent_id", agentID)
	return sess, nil
}

// waitOn reads one inbound packet off ch, bounded by timeout and ctx.
func waitOn(ctx context.Context, ch <-chan inboundPacket, timeout time.Duration) (inboundPacket, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p, true
	case <-timer.C:
		return inboundPacket{}, false
	case <-ctx.Done():
		return inboundPacket{}, false
	}
}
