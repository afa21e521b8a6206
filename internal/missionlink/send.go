package missionlink

import (
	"context"
	"io"

	"github.com/groundcrew/missionlink/internal/wire"
)

// SendMessage transmits payload inline under the given op, chunked to the
// configured datagram size and delivered one chunk at a time (true
// stop-and-wait: at most one unacknowledged packet in flight). The exchange
// ends with a FIN that also closes the Session (spec §4.7's per-message
// connection model); callers do not additionally call Close after a
// successful Send.
//
// missionID finalizes the session's mission id (invariant 4: after the
// handshake, every packet's id_mission field carries the mission id rather
// than the agent id the SYN carried). It is stamped on every packet this
// call sends, including the FIN in the zero-payload case below.
//
// If payload is empty, no data packet is sent at all: the FIN itself
// carries op and an empty body directly, the zero-payload edge case spec
// §4.7 calls out.
func (s *Session) SendMessage(ctx context.Context, op byte, missionID string, payload []byte) (SendResult, error) {
	s.finalizeMissionID(missionID)
	if len(payload) == 0 {
		if err := s.closeActive(ctx, op, wire.ControlPayload); err != nil {
			return SendResult{}, err
		}
		return SendResult{}, nil
	}
	return s.sendChunks(ctx, op, chunkPayload(payload, s.engine.cfg.chunkSize()))
}

// SendFile transmits a file transfer (spec §4.5): filename is sent verbatim
// as the first data packet, then body is streamed chunk by chunk as the
// packets that follow. The receiver recognizes file mode by filename's
// ".json" suffix on that first chunk. missionID finalizes the session's
// mission id the same way SendMessage's does.
func (s *Session) SendFile(ctx context.Context, op byte, missionID, filename string, body io.Reader) (SendResult, error) {
	s.finalizeMissionID(missionID)
	chunks := [][]byte{[]byte(filename)}

	buf := make([]byte, s.engine.cfg.chunkSize())
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return SendResult{}, ioErr("read file body", err)
		}
	}

	return s.sendChunks(ctx, op, chunks)
}

// sendChunks runs the stop-and-wait data phase common to SendMessage and
// SendFile, then closes out the session with a content-free FIN.
func (s *Session) sendChunks(ctx context.Context, op byte, chunks [][]byte) (SendResult, error) {
	totalAttempts := 0
	for _, chunk := range chunks {
		seq := s.nextSeq()
		pkt := wire.Packet{Flag: wire.FlagData, MissionID: s.outgoingMissionID(), Seq: seq, Ack: s.currentAck(), Op: op, Payload: chunk}

		reply, attempt, err := s.stopAndWait(ctx, pkt, s.engine.cfg.DataRetxCap, func(p *wire.Packet) bool {
			return p.Flag == wire.FlagAck && p.Ack == seq
		})
		totalAttempts += attempt + 1
		if err != nil {
			return SendResult{Attempts: totalAttempts}, err
		}
		if reply == nil {
			// Retransmission cap exhausted: per spec §7/§4.10 this is a
			// lossy close, reported through SendResult rather than as an
			// error.
			s.finish()
			return SendResult{Aborted: true, Attempts: totalAttempts}, nil
		}
	}

	if err := s.closeActive(ctx, wire.OpNone, wire.ControlPayload); err != nil {
		return SendResult{Attempts: totalAttempts}, err
	}
	return SendResult{Attempts: totalAttempts}, nil
}

// chunkPayload splits payload into pieces of at most size bytes. An empty
// payload yields no chunks.
func chunkPayload(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}
