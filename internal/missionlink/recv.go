package missionlink

import (
	"bytes"
	"context"
	"strings"

	"github.com/groundcrew/missionlink/internal/wire"
)

// Recv waits for and reassembles one complete message: every in-order data
// chunk up to the terminating FIN. The Session is consumed by a successful
// Recv the same way it is by a successful Send — the FIN that ends the
// message also runs the passive half of the four-way teardown — so callers
// do not additionally call Close afterwards.
//
// The first in-order data chunk decides inline-versus-file mode (spec
// §4.7): if its payload ends in ".json" it is taken as a filename and is
// not itself written into the assembled body, and Message.Filename is set;
// otherwise it is the first piece of an inline message.
//
// The most recently accepted chunk is held back rather than written
// immediately (spec §4.7.4): it is only appended to the assembled payload
// once the next chunk or the FIN arrives. This collapses the case where our
// ACK for that chunk was lost and the sender retransmits it into a single
// write instead of two, since the retransmission is recognized as a
// duplicate of the still-held chunk and merely re-acked.
func (s *Session) Recv(ctx context.Context) (*Message, error) {
	r := &recvState{
		session:  s,
		expected: s.currentAck(),
		first:    true,
		op:       wire.OpNone,
	}

	for {
		var inbound inboundPacket
		select {
		case <-ctx.Done():
			return r.message(), ctx.Err()
		case inbound = <-s.ch:
		}

		pkt := inbound.pkt
		if mid := s.MissionID(); mid != "" && pkt.MissionID != mid {
			// mission_id mismatch on an otherwise-live session: silently
			// dropped, never acked, never affects session state (spec
			// §4.10's failure table, "Wrong mission_id").
			continue
		}

		switch pkt.Flag {
		case wire.FlagData:
			r.handleData(pkt)

		case wire.FlagFin:
			if pkt.Seq != r.expected {
				// FIN arrived before every chunk did; the teardown still
				// completes (a session is never left hanging), but the
				// caller is told the message is incomplete.
				r.commitPending()
				_ = s.handlePassiveFin(ctx, pkt)
				return r.message(), &TransferAbortedError{Peer: s.peerKey(), MissionID: s.outgoingMissionID()}
			}

			s.finalizeMissionID(pkt.MissionID)
			if pkt.Op != wire.OpNone {
				r.op = pkt.Op
			}
			if !wire.IsControlPayload(pkt.Payload) {
				// A FIN carrying a real payload is the zero-payload edge
				// case (spec §4.7): the whole message is this one packet.
				r.acceptChunk(pkt.Payload)
			}
			r.commitPending()
			if err := s.handlePassiveFin(ctx, pkt); err != nil {
				return r.message(), err
			}
			return r.message(), nil
		}
	}
}

// recvState accumulates one in-progress Recv call. Split out of Session so
// the held-back-write/file-detection bookkeeping doesn't entangle with
// session/teardown state.
type recvState struct {
	session  *Session
	expected int
	first    bool
	filename string
	op       byte

	buf     bytes.Buffer
	pending []byte
	hasPend bool
}

func (r *recvState) commitPending() {
	if r.hasPend {
		r.buf.Write(r.pending)
		r.hasPend = false
		r.pending = nil
	}
}

// acceptChunk runs one accepted (in-order) chunk through the file-detection
// and held-back-write policy.
func (r *recvState) acceptChunk(payload []byte) {
	if r.first {
		r.first = false
		if strings.HasSuffix(string(payload), ".json") {
			r.filename = string(payload)
			return // the filename itself is metadata, not body content
		}
	}
	r.commitPending()
	r.pending = payload
	r.hasPend = true
}

func (r *recvState) message() *Message {
	return &Message{Op: r.op, Payload: r.buf.Bytes(), Filename: r.filename, MissionID: r.session.MissionID()}
}

// handleData finalizes the session's mission id from the genuine first data
// packet — the one whose seq matches r.expected the first time this session
// ever sees that case — and requires every later in-order or duplicate
// packet to match it. A packet that arrives out of order before that first
// chunk does (pkt.Seq > r.expected) is buffered without being trusted to
// finalize anything; it's re-checked against the real mission id once
// drained, in drainReorderBuffer.
func (r *recvState) handleData(pkt *wire.Packet) {
	s := r.session

	switch {
	case pkt.Seq == r.expected:
		s.finalizeMissionID(pkt.MissionID)
		mid := s.outgoingMissionID()
		ack := wire.Packet{Flag: wire.FlagAck, MissionID: mid, Seq: s.peekSeq(), Ack: pkt.Seq, Op: wire.OpNone, Payload: wire.ControlPayload}
		_ = s.engine.sendRaw(ack, s.peer)

		r.op = pkt.Op
		r.acceptChunk(pkt.Payload)
		r.expected++
		s.setAck(r.expected)
		r.drainReorderBuffer()
		s.engine.reorder.Cleanup(s.peerKey(), r.expected)

	case pkt.Seq > r.expected:
		s.engine.reorder.Put(s.peerKey(), pkt.Seq, wire.Encode(*pkt))
		ack := wire.Packet{Flag: wire.FlagAck, MissionID: s.outgoingMissionID(), Seq: s.peekSeq(), Ack: r.expected - 1, Op: wire.OpNone, Payload: wire.ControlPayload}
		_ = s.engine.sendRaw(ack, s.peer)

	default:
		// Already-seen sequence number: our ACK for it was lost.
		// Re-ack without touching buf/pending (spec §4.7.3).
		ack := wire.Packet{Flag: wire.FlagAck, MissionID: s.outgoingMissionID(), Seq: s.peekSeq(), Ack: pkt.Seq, Op: wire.OpNone, Payload: wire.ControlPayload}
		_ = s.engine.sendRaw(ack, s.peer)
	}
}

func (r *recvState) drainReorderBuffer() {
	s := r.session
	for {
		raw, ok := s.engine.reorder.Take(s.peerKey(), r.expected)
		if !ok {
			return
		}
		pkt, err := wire.Decode(raw)
		if err != nil {
			return
		}
		if mid := s.MissionID(); mid != "" && pkt.MissionID != mid {
			// A buffered packet can only get here via Put in the
			// pkt.Seq > expected branch above, which runs before mission_id
			// validation existed for it; re-check on drain so a mismatched
			// one never reaches acceptChunk.
			continue
		}
		r.op = pkt.Op
		r.acceptChunk(pkt.Payload)
		r.expected++
		s.setAck(r.expected)
	}
}
