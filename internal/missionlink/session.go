package missionlink

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/groundcrew/missionlink/internal/wire"
)

type role int

const (
	roleSender role = iota
	roleReceiver
)

// sessionState mirrors the teardown diagram in spec §4.6: IDLE precedes the
// handshake (never observed on a live Session, which is only constructed
// once OPEN is reached), OPEN is the steady send/recv state, FIN_WAIT is the
// active closer waiting for the ACK of its own FIN, CLOSING is the passive
// closer's window from its answering ACK through its own FIN and that FIN's
// ACK, and TIME_WAIT is the active closer, its own FIN acked, waiting for
// the peer's FIN before CLOSED.
type sessionState int

const (
	stateOpen sessionState = iota
	stateFinWait
	stateClosing
	stateTimeWait
	stateClosed
)

// timeWaitDuration bounds how long an actively-closing Session, its own FIN
// already acked, waits in TIME_WAIT for the peer's FIN before closing anyway.
const timeWaitDuration = 2 * DefaultBaseTimeout

// Session is one established MissionLink connection: a completed handshake
// through to (but not past) teardown. Use SendMessage/SendFile or Recv
// according to which side of the conversation this Session plays; each of
// those ends with the teardown itself, so Close is only for a Session on
// which neither ran.
type Session struct {
	engine  *Engine
	peer    *net.UDPAddr
	agentID string
	role    role

	mu        sync.Mutex
	seq       int
	ack       int
	state     sessionState
	missionID string

	ch  chan inboundPacket
	log *slog.Logger
}

// Peer returns the remote address this Session talks to.
func (s *Session) Peer() *net.UDPAddr { return s.peer }

// AgentID returns the rover id carried by the SYN/SYN-ACK/ACK of the
// handshake (invariant 4). It never changes for the life of the Session;
// unlike MissionID it has nothing to do with which mission is in flight.
func (s *Session) AgentID() string { return s.agentID }

// MissionID returns the session's finalized mission id, or "" before the
// first data packet (send or receive side) has set it. Per invariant 4,
// every packet sent after the handshake completes — data, acks, and
// teardown — carries this value in the wire header's id_mission field
// instead of the handshake's agent id.
func (s *Session) MissionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missionID
}

// finalizeMissionID sets the session's mission id the first time it's
// called; later calls are no-ops. Per invariant 3, mission_id is stable
// after the first data packet of a session and must not change mid-session,
// so once set it is never overwritten — not even by a caller or peer trying
// to smuggle a second value in.
func (s *Session) finalizeMissionID(id string) {
	s.mu.Lock()
	if s.missionID == "" {
		s.missionID = id
	}
	s.mu.Unlock()
}

// outgoingMissionID is what post-handshake packets stamp into id_mission.
// Ordinarily this is the finalized MissionID; the one degenerate case is a
// caller invoking the bare Close (no Send ever ran on this session, so no
// mission id was ever finalized) — falling back to the handshake agent id
// there is strictly better than sending an empty field.
func (s *Session) outgoingMissionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missionID != "" {
		return s.missionID
	}
	return s.agentID
}

func (s *Session) peerKey() string { return s.peer.String() }

// nextSeq consumes and returns the current outbound sequence number,
// advancing it by one: every data or FIN packet takes exactly one sequence
// number, since each is individually acked.
func (s *Session) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.seq
	s.seq++
	return v
}

// peekSeq returns the current outbound sequence number without consuming
// it. Pure ACKs don't advance the shared counter (spec §4.3's worked
// example: the handshake's closing ACK carries the same seq its SYN-ACK
// was sent with) — only SYN/DATA/FIN packets do, via nextSeq.
func (s *Session) peekSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) currentAck() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack
}

func (s *Session) setAck(v int) {
	s.mu.Lock()
	s.ack = v
	s.mu.Unlock()
}

// stopAndWait sends pkt and retransmits it at the peer's current adaptive
// timeout until a packet matching accept arrives, capped at retxCap
// attempts. Per Karn's algorithm, an RTT sample is only fed to the estimator
// when the accepted reply arrives on the first, non-retransmitted attempt,
// since a reply to a retransmission is ambiguous about which send it
// answers.
func (s *Session) stopAndWait(ctx context.Context, pkt wire.Packet, retxCap int, accept func(*wire.Packet) bool) (*wire.Packet, int, error) {
	for attempt := 0; attempt < retxCap; attempt++ {
		timeout := s.engine.rtt.Timeout(s.peerKey())
		if attempt > 0 {
			s.log.Warn("missionlink: retransmitting", "seq", pkt.Seq, "attempt", attempt, "timeout", timeout)
		}
		sent := time.Now()
		if err := s.engine.sendRaw(pkt, s.peer); err != nil {
			return nil, attempt, err
		}

		deadline := sent.Add(timeout)
		for time.Now().Before(deadline) {
			inbound, ok := waitOn(ctx, s.ch, time.Until(deadline))
			if !ok {
				select {
				case <-ctx.Done():
					return nil, attempt, ctx.Err()
				default:
				}
				break
			}
			if !accept(inbound.pkt) {
				// Stray or stale packet (e.g. a duplicate from an earlier
				// round); keep waiting on this same attempt's timeout budget
				// rather than burning a retransmission on it.
				continue
			}
			if attempt == 0 {
				s.engine.rtt.Observe(s.peerKey(), time.Since(sent))
			}
			return inbound.pkt, attempt, nil
		}
	}
	return nil, retxCap, nil
}

// Close performs the four-way teardown (spec §4.6). The first side to call
// Close plays the active closer (FIN_WAIT then TIME_WAIT); a side that
// observes an unsolicited FIN while idle plays the passive closer (CLOSING)
// via handlePassiveFin instead and should not call Close itself once that
// completes.
func (s *Session) Close(ctx context.Context) error {
	return s.closeActive(ctx, wire.OpNone, wire.ControlPayload)
}

// closeActive runs the active-closer half of the four-way teardown, with
// the final FIN carrying finOp/finPayload. SendMessage uses this directly for
// an empty payload, so that FIN alone carries the message's op instead of a
// bare data packet being sent ahead of it; after a non-empty message,
// sendChunks closes with an OpNone, control-payload FIN.
func (s *Session) closeActive(ctx context.Context, finOp byte, finPayload []byte) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateFinWait
	s.mu.Unlock()

	seq := s.nextSeq()
	fin := wire.Packet{Flag: wire.FlagFin, MissionID: s.outgoingMissionID(), Seq: seq, Ack: s.currentAck(), Op: finOp, Payload: finPayload}

	// The active closer's own FIN retransmits up to DataRetxCap times
	// (spec §4.6). A peer FIN arriving before our own is acked is the
	// simultaneous-close race the state diagram's FIN_WAIT->CLOSING edge
	// describes: ack it inline without spending a retransmission, and keep
	// waiting in the same round for the ack of our own FIN.
	ackedOwnFin := false
	peerFinAcked := false
	for attempt := 0; attempt < s.engine.cfg.DataRetxCap && !ackedOwnFin; attempt++ {
		if attempt > 0 {
			s.log.Warn("missionlink: retransmitting FIN", "seq", seq, "attempt", attempt, "timeout", s.engine.rtt.Timeout(s.peerKey()))
		}
		if err := s.engine.sendRaw(fin, s.peer); err != nil {
			return err
		}
		sentAt := time.Now()
		deadline := sentAt.Add(s.engine.rtt.Timeout(s.peerKey()))

		for !ackedOwnFin && time.Now().Before(deadline) {
			inbound, ok := waitOn(ctx, s.ch, time.Until(deadline))
			if !ok {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				break
			}
			switch {
			case inbound.pkt.Flag == wire.FlagAck && inbound.pkt.Ack == seq:
				ackedOwnFin = true
				if attempt == 0 {
					s.engine.rtt.Observe(s.peerKey(), time.Since(sentAt))
				}
			case inbound.pkt.Flag == wire.FlagFin && !peerFinAcked:
				peerFinAcked = true
				ack := wire.Packet{Flag: wire.FlagAck, MissionID: s.outgoingMissionID(), Seq: s.peekSeq(), Ack: inbound.pkt.Seq, Op: wire.OpNone, Payload: wire.ControlPayload}
				_ = s.engine.sendRaw(ack, s.peer)
			}
		}
	}
	if !ackedOwnFin {
		// Retransmission cap exhausted: lossy close (spec §4.6/§4.10).
		s.finish()
		return nil
	}

	if peerFinAcked {
		s.finish()
		return nil
	}

	// TIME_WAIT: wait for the peer's own FIN and ack it once; the Session
	// closes right after that ACK, or when timeWaitDuration runs out.
	s.mu.Lock()
	s.state = stateTimeWait
	s.mu.Unlock()

	deadline := time.Now().Add(timeWaitDuration)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		inbound, ok := waitOn(ctx, s.ch, remaining)
		if !ok {
			break
		}
		if inbound.pkt.Flag == wire.FlagFin {
			finAck := wire.Packet{Flag: wire.FlagAck, MissionID: s.outgoingMissionID(), Seq: s.peekSeq(), Ack: inbound.pkt.Seq, Op: wire.OpNone, Payload: wire.ControlPayload}
			_ = s.engine.sendRaw(finAck, s.peer)
			break
		}
	}

	s.finish()
	return nil
}

// handlePassiveFin answers an unsolicited FIN observed by Send/Recv's read
// loop: ACK it immediately, then send our own FIN and wait for its ACK
// (state CLOSING), per spec §4.6's receiver-initiated teardown branch.
func (s *Session) handlePassiveFin(ctx context.Context, peerFin *wire.Packet) error {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosing
	s.mu.Unlock()

	ack := wire.Packet{Flag: wire.FlagAck, MissionID: s.outgoingMissionID(), Seq: s.peekSeq(), Ack: peerFin.Seq, Op: wire.OpNone, Payload: wire.ControlPayload}
	if err := s.engine.sendRaw(ack, s.peer); err != nil {
		return err
	}

	seq := s.nextSeq()
	fin := wire.Packet{Flag: wire.FlagFin, MissionID: s.outgoingMissionID(), Seq: seq, Ack: peerFin.Seq, Op: wire.OpNone, Payload: wire.ControlPayload}
	_, _, err := s.stopAndWait(ctx, fin, s.engine.cfg.HandshakeRetxCap, func(p *wire.Packet) bool {
		return p.Flag == wire.FlagAck && p.Ack == seq
	})
	if err != nil {
		return err
	}

	s.finish()
	return nil
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.engine.unregisterSession(s.peerKey())
}

