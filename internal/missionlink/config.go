package missionlink

import (
	"time"

	"github.com/groundcrew/missionlink/internal/wire"
)

// Default values for every knob spec §9 enumerates.
const (
	DefaultBufferSize        = 1024
	DefaultBaseTimeout       = 2 * time.Second
	DefaultDataRetxCap       = 20
	DefaultHandshakeRetxCap  = 5
	DefaultReorderBufferSize = 10
	DefaultReorderMaxWait    = 5 * time.Second
	DefaultAcceptPeekTimeout = 10 * time.Millisecond
	DefaultInitialSeq        = 100
	defaultSessionChanBuffer = 64
	defaultNewConnChanBuffer = 64
)

// Config carries every MissionLink tuning knob spec §9 names. A zero Config
// is not usable directly; build one with DefaultConfig and override only
// what you need.
type Config struct {
	BufferSize        int           // usable UDP datagram size, header included
	BaseTimeout       time.Duration // fallback timeout before any RTT sample exists
	DataRetxCap       int           // retransmission cap for data/FIN packets
	HandshakeRetxCap  int           // retransmission cap for SYN/SYN-ACK and teardown ACKs
	ReorderBufferSize int           // max out-of-order entries buffered per peer
	ReorderMaxWait    time.Duration // age at which a buffered entry is evicted
	AcceptPeekTimeout time.Duration // kept for config compatibility; Accept does not read it (it selects on cancellation directly)

	// RandomizeISN randomizes the initial sequence number instead of using
	// the fixed value 100 the original protocol always used. Spec
	// explicitly permits this without affecting correctness; default false
	// to keep the literal wire trace of the spec's worked examples.
	RandomizeISN bool
}

// DefaultConfig returns a Config with every knob set to the spec's default.
func DefaultConfig() Config {
	return Config{
		BufferSize:        DefaultBufferSize,
		BaseTimeout:       DefaultBaseTimeout,
		DataRetxCap:       DefaultDataRetxCap,
		HandshakeRetxCap:  DefaultHandshakeRetxCap,
		ReorderBufferSize: DefaultReorderBufferSize,
		ReorderMaxWait:    DefaultReorderMaxWait,
		AcceptPeekTimeout: DefaultAcceptPeekTimeout,
	}
}

// chunkSize returns the usable payload size per datagram: buffer size minus
// the worst-case header size.
func (c Config) chunkSize() int {
	n := c.BufferSize - wire.HeaderSize
	if n < 1 {
		n = 1
	}
	return n
}
