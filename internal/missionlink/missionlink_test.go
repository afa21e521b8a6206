package missionlink_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/groundcrew/missionlink/internal/missionlink"
	"github.com/groundcrew/missionlink/internal/missionlink/linktest"
	"github.com/groundcrew/missionlink/internal/wire"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func newEnginePair(tb testing.TB, cfg missionlink.Config) (*missionlink.Engine, *missionlink.Engine, *linktest.Link) {
	tb.Helper()
	link := linktest.New()
	roverConn := link.Endpoint(addr(1))
	stationConn := link.Endpoint(addr(2))

	rover := missionlink.NewEngine(roverConn, cfg, nil)
	station := missionlink.NewEngine(stationConn, cfg, nil)
	tb.Cleanup(func() {
		_ = rover.Close()
		_ = station.Close()
	})
	return rover, station, link
}

func testConfig() missionlink.Config {
	cfg := missionlink.DefaultConfig()
	cfg.BaseTimeout = 200 * time.Millisecond
	cfg.ReorderMaxWait = time.Second
	return cfg
}

func handshake(tb testing.TB, ctx context.Context, rover, station *missionlink.Engine) (*missionlink.Session, *missionlink.Session) {
	tb.Helper()
	type acceptResult struct {
		sess *missionlink.Session
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		s, err := station.Accept(ctx)
		accepted <- acceptResult{s, err}
	}()

	time.Sleep(10 * time.Millisecond)
	sender, err := rover.Open(ctx, addr(2), "rover01")
	if err != nil {
		tb.Fatalf("open: %v", err)
	}

	res := <-accepted
	if res.err != nil {
		tb.Fatalf("accept: %v", res.err)
	}
	return sender, res.sess
}

// S1: a tiny inline message crosses cleanly with no loss.
func TestInlineEchoNoLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rover, station, _ := newEnginePair(t, testConfig())
	sender, receiver := handshake(t, ctx, rover, station)

	recvDone := make(chan *missionlink.Message, 1)
	recvErr := make(chan error, 1)
	go func() {
		msg, err := receiver.Recv(ctx)
		recvDone <- msg
		recvErr <- err
	}()

	result, err := sender.SendMessage(ctx, wire.OpMetrics, "M01", []byte("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Aborted {
		t.Fatalf("send unexpectedly aborted")
	}

	msg := <-recvDone
	if err := <-recvErr; err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg == nil || string(msg.Payload) != "hello" {
		t.Fatalf("got %+v", msg)
	}
	if msg.Op != wire.OpMetrics {
		t.Fatalf("expected op M, got %c", msg.Op)
	}
	if msg.MissionID != "M01" {
		t.Fatalf("expected mission id M01, got %q", msg.MissionID)
	}
}

// S2: a multi-chunk inline message survives one dropped data-chunk ACK via
// the held-back-write dedup policy.
func TestInlineMultiChunkWithDroppedAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.BufferSize = 32 // small chunks so a short payload splits into several
	rover, station, link := newEnginePair(t, cfg)
	sender, receiver := handshake(t, ctx, rover, station)

	dropped := false
	link.SetHook(func(data []byte, from, to *net.UDPAddr) (linktest.Action, time.Duration) {
		pkt, err := wire.Decode(data)
		if err != nil {
			return linktest.ActionPass, 0
		}
		// Drop exactly one ACK the station sends back to the rover, so the
		// rover retransmits the chunk it already acked.
		if !dropped && pkt.Flag == wire.FlagAck && to.Port == 1 {
			dropped = true
			return linktest.ActionDrop, 0
		}
		return linktest.ActionPass, 0
	})

	payload := bytes.Repeat([]byte("abcdefgh"), 20) // 160 bytes, several chunks

	recvMsg := make(chan *missionlink.Message, 1)
	recvErr := make(chan error, 1)
	go func() {
		msg, err := receiver.Recv(ctx)
		recvMsg <- msg
		recvErr <- err
	}()

	result, err := sender.SendMessage(ctx, wire.OpProgress, "M02", payload)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Aborted {
		t.Fatalf("send unexpectedly aborted")
	}

	msg := <-recvMsg
	if err := <-recvErr; err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(msg.Payload), len(payload))
	}
	if !dropped {
		t.Fatal("test did not actually exercise the drop hook")
	}
}

// S3: the file's one body chunk physically arrives before the filename
// chunk that precedes it causally. The reorder buffer holds it until the
// filename chunk closes the gap, then drains it; the genuine body chunk
// the real sender transmits afterwards lands as a harmless duplicate of
// the one already delivered. Final payload matches the source file
// byte-for-byte.
//
// A well-behaved stop-and-wait sender never has two distinct chunks
// actually in flight at once, so this drives the reorder path the way it
// would really happen on UDP: nothing guarantees datagrams arrive in the
// order they were sent. A spoofed Endpoint bound to the rover's address
// injects the body chunk directly, ahead of the real session's filename
// chunk, carrying exactly the bytes the real transfer will also send.
func TestFileTransferReassemblesOutOfOrderChunk(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.BufferSize = 40 // chunkSize = 17: body fits in exactly one chunk
	rover, station, link := newEnginePair(t, cfg)
	sender, receiver := handshake(t, ctx, rover, station)

	body := []byte("0123456789abcdefg") // 17 bytes, one chunk
	filename := "m042.json"

	bodySeq := missionlink.DefaultInitialSeq + 2

	spoofer := link.Spoof(addr(1))
	bodyPkt := wire.Packet{
		Flag: wire.FlagData, MissionID: "M42",
		Seq: bodySeq, Ack: 0, Op: wire.OpTask, Payload: body,
	}
	if _, err := spoofer.WriteToUDP(wire.Encode(bodyPkt), addr(2)); err != nil {
		t.Fatalf("spoof body chunk: %v", err)
	}

	recvMsg := make(chan *missionlink.Message, 1)
	recvErr := make(chan error, 1)
	go func() {
		msg, err := receiver.Recv(ctx)
		recvMsg <- msg
		recvErr <- err
	}()

	// Give the spoofed chunk time to land in the reorder buffer before the
	// real filename chunk closes the gap.
	time.Sleep(20 * time.Millisecond)

	result, err := sender.SendFile(ctx, wire.OpTask, "M42", filename, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if result.Aborted {
		t.Fatalf("send unexpectedly aborted")
	}

	msg := <-recvMsg
	if err := <-recvErr; err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Filename != filename {
		t.Fatalf("expected filename %q, got %q", filename, msg.Filename)
	}
	if !bytes.Equal(msg.Payload, body) {
		t.Fatalf("body mismatch: got %q, want %q", msg.Payload, body)
	}
	if msg.MissionID != "M42" {
		t.Fatalf("expected mission id M42, got %q", msg.MissionID)
	}
}

// S4: a handshake with no responder ever answering exhausts its
// retransmission cap and reports HandshakeFailedError.
func TestHandshakeExhaustionReportsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.HandshakeRetxCap = 3
	cfg.BaseTimeout = 20 * time.Millisecond

	// No endpoint is ever registered at addr(2), so every SYN the rover
	// sends there is simply unroutable: the link has nothing to hand it to,
	// the same as a UDP datagram aimed at a port nobody is listening on.
	link := linktest.New()
	roverConn := link.Endpoint(addr(1))

	rover := missionlink.NewEngine(roverConn, cfg, nil)
	defer rover.Close()

	_, err := rover.Open(ctx, addr(2), "rover01")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	var hfe *missionlink.HandshakeFailedError
	if !errors.As(err, &hfe) {
		t.Fatalf("expected HandshakeFailedError, got %T: %v", err, err)
	}
	if hfe.Attempts != cfg.HandshakeRetxCap {
		t.Fatalf("expected %d attempts, got %d", cfg.HandshakeRetxCap, hfe.Attempts)
	}
}

// A zero-payload message (e.g. a bare register ping) closes without ever
// sending a data chunk: the FIN alone carries op R.
func TestZeroPayloadMessageUsesFinOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rover, station, _ := newEnginePair(t, testConfig())
	sender, receiver := handshake(t, ctx, rover, station)

	recvMsg := make(chan *missionlink.Message, 1)
	recvErr := make(chan error, 1)
	go func() {
		msg, err := receiver.Recv(ctx)
		recvMsg <- msg
		recvErr <- err
	}()

	result, err := sender.SendMessage(ctx, wire.OpRegister, "M99", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Aborted {
		t.Fatal("send unexpectedly aborted")
	}

	msg := <-recvMsg
	if err := <-recvErr; err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Op != wire.OpRegister {
		t.Fatalf("expected op R, got %c", msg.Op)
	}
	if len(msg.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(msg.Payload))
	}
	if msg.MissionID != "M99" {
		t.Fatalf("expected mission id M99, got %q", msg.MissionID)
	}
}

// Invariant 4: after the handshake, mission_id replaces the handshake's
// agent id on every packet, and a session that has already finalized one
// mission id must ignore any later packet claiming a different one. A
// two-chunk send lets a forged chunk for the second seq, bearing a
// mismatched mission_id, race the genuine second chunk; since the forgery
// only targets the dispatcher (same seq, wrong mission_id), it cannot
// overwrite or delay the real delivery.
func TestMismatchedMissionIDChunkIsDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.BufferSize = 30 // chunkSize = 7, so a 10-byte payload splits into two chunks
	rover, station, link := newEnginePair(t, cfg)
	sender, receiver := handshake(t, ctx, rover, station)

	const firstSeq = missionlink.DefaultInitialSeq + 1
	const secondSeq = missionlink.DefaultInitialSeq + 2

	var forgeOnce sync.Once
	link.SetHook(func(data []byte, from, to *net.UDPAddr) (linktest.Action, time.Duration) {
		pkt, err := wire.Decode(data)
		if err == nil && pkt.Flag == wire.FlagAck && to.Port == 1 && pkt.Ack == firstSeq {
			// The rover's first chunk was just acked, which only happens
			// after the receiver has finalized its mission id: safe point
			// to fire the forged second chunk.
			forgeOnce.Do(func() {
				go func() {
					forged := wire.Packet{
						Flag: wire.FlagData, MissionID: "WRONG",
						Seq: secondSeq, Ack: 0, Op: wire.OpTask, Payload: []byte("evil"),
					}
					_, _ = link.Spoof(addr(1)).WriteToUDP(wire.Encode(forged), addr(2))
				}()
			})
		}
		return linktest.ActionPass, 0
	})

	payload := []byte("0123456789") // 10 bytes: chunks of 7 and 3 bytes

	recvMsg := make(chan *missionlink.Message, 1)
	recvErr := make(chan error, 1)
	go func() {
		msg, err := receiver.Recv(ctx)
		recvMsg <- msg
		recvErr <- err
	}()

	result, err := sender.SendMessage(ctx, wire.OpTask, "M42", payload)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Aborted {
		t.Fatalf("send unexpectedly aborted")
	}

	msg := <-recvMsg
	if err := <-recvErr; err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.MissionID != "M42" {
		t.Fatalf("expected mission id M42, got %q", msg.MissionID)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload mismatch: got %q, want %q (forged chunk should have been dropped)", msg.Payload, payload)
	}
}
