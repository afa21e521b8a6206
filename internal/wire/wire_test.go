package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		{Flag: FlagSyn, MissionID: "r01", Seq: 100, Ack: 0, Op: OpNone, Payload: ControlPayload},
		{Flag: FlagData, MissionID: "m42", Seq: 101, Ack: 101, Op: OpTask, Payload: []byte("hello")},
		{Flag: FlagData, MissionID: "m42", Seq: 101, Ack: 101, Op: OpTask, Payload: []byte("a|b|c")},
		{Flag: FlagFin, MissionID: "m42", Seq: 110, Ack: 109, Op: OpNone, Payload: ControlPayload},
		{Flag: FlagData, MissionID: "", Seq: 0, Ack: 0, Op: OpMetrics, Payload: []byte{}},
	}

	for _, want := range cases {
		raw := Encode(want)
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode(%q): %v", raw, err)
		}
		if got.Flag != want.Flag || got.MissionID != want.MissionID || got.Seq != want.Seq ||
			got.Ack != want.Ack || got.Op != want.Op || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("garbage"),
		[]byte("S|042|100|0|0"),              // too few fields
		[]byte("S|042|100|0|0|N|x|extra|"),   // handled by SplitN(7), still valid actually
		[]byte("SS|042|100|0|0|N|x"),         // flag too wide
		[]byte("S|042|abc|0|0|N|x"),          // seq not numeric
		[]byte("S|042|100|abc|0|N|x"),        // ack not numeric
		[]byte("S|042|100|0|abc|N|x"),        // size not numeric
		[]byte("S|042|100|0|0|NN|x"),         // op too wide
	}

	for i, raw := range cases {
		_, err := Decode(raw)
		if i == 4 {
			// "extra|" fields collapse into the payload, still decodes fine.
			if err != nil {
				t.Errorf("case %d: expected success (payload absorbs extra pipes), got %v", i, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("case %d (%q): expected ParseError, got none", i, raw)
			continue
		}
		if _, ok := err.(*ParseError); !ok {
			t.Errorf("case %d: expected *ParseError, got %T", i, err)
		}
	}
}

func TestDecodeFuzzNeverPanics(t *testing.T) {
	inputs := [][]byte{
		bytes.Repeat([]byte{'|'}, 100),
		bytes.Repeat([]byte{0xff}, 50),
		[]byte("||||||"),
		[]byte("|||||||||||"),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decode panicked on %q: %v", in, r)
				}
			}()
			Decode(in)
		}()
	}
}

func TestPayloadTakenVerbatimAfterSixthPipe(t *testing.T) {
	raw := []byte("D|m42|101|101|5|T|a|b|c")
	pkt, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(pkt.Payload) != "a|b|c" {
		t.Fatalf("payload = %q, want %q", pkt.Payload, "a|b|c")
	}
}

func TestTrailingNewlineTolerated(t *testing.T) {
	raw := append(Encode(Packet{Flag: FlagData, MissionID: "m42", Seq: 1, Ack: 1, Op: OpTask, Payload: []byte("x")}), '\n')
	pkt, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(pkt.Payload) != "x" {
		t.Fatalf("payload = %q", pkt.Payload)
	}
}

func TestTSLengthPrefixRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 9, 42, 9999} {
		enc, err := EncodeTSLength(n)
		if err != nil {
			t.Fatalf("encode(%d): %v", n, err)
		}
		if len(enc) != TSLengthPrefixSize {
			t.Fatalf("encode(%d) length = %d, want %d", n, len(enc), TSLengthPrefixSize)
		}
		got, err := DecodeTSLength(enc)
		if err != nil {
			t.Fatalf("decode(%q): %v", enc, err)
		}
		if got != n {
			t.Fatalf("round trip = %d, want %d", got, n)
		}
	}
}

func TestTSLengthOutOfRange(t *testing.T) {
	if _, err := EncodeTSLength(-1); err == nil {
		t.Fatal("expected error for negative length")
	}
	if _, err := EncodeTSLength(10000); err == nil {
		t.Fatal("expected error for length exceeding 4 digits")
	}
}
