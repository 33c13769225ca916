package spdy

import (
	"bytes"
	"reflect"
	"testing"
)

type capturingListener struct {
	frames []Frame
	errs   []error
}

func (c *capturingListener) OnFrame(f Frame)      { c.frames = append(c.frames, f) }
func (c *capturingListener) OnParseError(e error) { c.errs = append(c.errs, e) }

func newRoundTripPair(version Version) (*Generator, *Parser, *capturingListener) {
	gen := NewGenerator(version)
	listener := &capturingListener{}
	parser := NewParser(version, listener)
	return gen, parser, listener
}

func TestParserSynStreamRoundTrip(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version3)

	want := &SynStreamFrame{
		Version:  Version3,
		Flags:    ControlFlagFin,
		StreamID: 1,
		Priority: 3,
		Headers:  Headers{"method": {"GET"}, "url": {"/"}},
	}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := parser.Feed(b); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(listener.errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", listener.errs)
	}
	if len(listener.frames) != 1 {
		t.Fatalf("got %d frames want 1", len(listener.frames))
	}
	got, ok := listener.frames[0].(*SynStreamFrame)
	if !ok {
		t.Fatalf("frame type = %T want *SynStreamFrame", listener.frames[0])
	}
	if got.StreamID != want.StreamID || got.Flags != want.Flags || got.Priority != want.Priority {
		t.Errorf("got %+v want %+v", got, want)
	}
	if !reflect.DeepEqual(got.Headers, want.Headers) {
		t.Errorf("headers: got %v want %v", got.Headers, want.Headers)
	}
}

// TestParserFeedByteAtATime verifies a frame still parses correctly when
// the caller hands it to Feed one byte at a time, the degenerate case of
// an arbitrarily fragmented transport read.
func TestParserFeedByteAtATime(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version3)

	want := &SynReplyFrame{Version: Version3, StreamID: 7, Headers: Headers{"status": {"200 OK"}}}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for i := range b {
		if err := parser.Feed(b[i : i+1]); err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
	}

	if len(listener.frames) != 1 {
		t.Fatalf("got %d frames want 1", len(listener.frames))
	}
	got := listener.frames[0].(*SynReplyFrame)
	if got.StreamID != want.StreamID || got.Headers.Get("status") != "200 OK" {
		t.Errorf("got %+v", got)
	}
}

// TestParserSynStreamEverySplit parses the same SYN_STREAM with the bytes
// split at every possible boundary, including through the middle of the
// compressed header block. Every split must yield exactly the same single
// frame, and never before all bytes are in.
func TestParserSynStreamEverySplit(t *testing.T) {
	for split := 1; ; split++ {
		gen, parser, listener := newRoundTripPair(Version3)
		b, err := gen.Generate(&SynStreamFrame{
			Version:  Version3,
			StreamID: 1,
			Priority: 2,
			Headers:  Headers{"method": {"GET"}, "url": {"/"}, "cookie": {"a=1", "b=2"}},
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if split >= len(b) {
			break
		}

		if err := parser.Feed(b[:split]); err != nil {
			t.Fatalf("split %d: Feed first half: %v", split, err)
		}
		if len(listener.frames) != 0 {
			t.Fatalf("split %d: frame emitted before all bytes arrived", split)
		}
		if err := parser.Feed(b[split:]); err != nil {
			t.Fatalf("split %d: Feed second half: %v", split, err)
		}
		if len(listener.frames) != 1 {
			t.Fatalf("split %d: got %d frames want 1", split, len(listener.frames))
		}
		got := listener.frames[0].(*SynStreamFrame)
		if got.StreamID != 1 || got.Headers.Get("method") != "GET" || len(got.Headers.Values("cookie")) != 2 {
			t.Fatalf("split %d: got %+v", split, got)
		}
	}
}

func TestParserSynStreamRoundTripV2(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version2)

	want := &SynStreamFrame{
		Version:  Version2,
		StreamID: 3,
		Priority: 2,
		Headers:  Headers{"version": {"HTTP/1.1"}},
	}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := parser.Feed(b); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	got := listener.frames[0].(*SynStreamFrame)
	if got.StreamID != 3 || got.Priority != 2 || got.Headers.Get("version") != "HTTP/1.1" {
		t.Errorf("got %+v", got)
	}
}

func TestParserDataFrameFragmented(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version3)

	payload := bytes.Repeat([]byte("x"), 37)
	want := &DataFrame{StreamID: 3, Flags: DataFlagFin, Data: payload}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Split into three arbitrary fragments.
	parser.Feed(b[:5])
	parser.Feed(b[5:20])
	parser.Feed(b[20:])

	var reassembled []byte
	var lastFlags DataFlags
	for _, f := range listener.frames {
		df := f.(*DataFrame)
		reassembled = append(reassembled, df.Data...)
		lastFlags = df.Flags
	}
	if !bytes.Equal(reassembled, payload) {
		t.Errorf("reassembled = %q want %q", reassembled, payload)
	}
	if lastFlags != DataFlagFin {
		t.Errorf("final chunk flags = %v want DataFlagFin", lastFlags)
	}
}

func TestParserGoAwayV2HasNoStatus(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version2)

	want := &GoAwayFrame{Version: Version2, LastGoodStreamID: 5}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := parser.Feed(b); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	got := listener.frames[0].(*GoAwayFrame)
	if got.LastGoodStreamID != 5 || got.Status != GoAwayOK {
		t.Errorf("got %+v", got)
	}
}

func TestParserWindowUpdateRejectedOnV2(t *testing.T) {
	_, parser, listener := newRoundTripPair(Version2)

	// Hand-build a v3-shaped WINDOW_UPDATE but with the V2 control
	// version field, the way a buggy or hostile peer might.
	gen := NewGenerator(Version3)
	b, err := gen.Generate(&WindowUpdateFrame{Version: Version3, StreamID: 1, DeltaWindowSize: 100})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// Rewrite the version field in the common header to Version2.
	b[1] = byte(Version2)

	if err := parser.Feed(b); err == nil {
		t.Fatal("expected a SessionException for WINDOW_UPDATE on SPDY/2")
	} else if _, ok := err.(*SessionException); !ok {
		t.Errorf("error type = %T want *SessionException", err)
	}
	if len(listener.errs) != 1 {
		t.Fatalf("got %d parse errors want 1", len(listener.errs))
	}
}

// Unknown flag bits on a frame type that defines flags are a protocol
// error on the frame's stream, not silently masked off.
func TestParserUnknownFlagBitsRejected(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version3)

	b, err := gen.Generate(&SynReplyFrame{Version: Version3, StreamID: 5, Headers: Headers{"status": {"200"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b[4] = 0x80 // not FIN

	if err := parser.Feed(b); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(listener.frames) != 0 {
		t.Fatalf("a frame with invalid flags must not be emitted, got %d", len(listener.frames))
	}
	if len(listener.errs) != 1 {
		t.Fatalf("got %d parse errors want 1", len(listener.errs))
	}
	se, ok := listener.errs[0].(*StreamException)
	if !ok || se.Status != ProtocolError || se.StreamID != 5 {
		t.Errorf("err = %+v want ProtocolError on stream 5", listener.errs[0])
	}
}

func TestParserUnknownControlFrameIgnored(t *testing.T) {
	_, parser, listener := newRoundTripPair(Version3)

	var b [8]byte
	b[0] = 0x80
	b[1] = byte(Version3)
	b[2] = 0x7f // unknown type
	b[3] = 0xff
	// length 0
	if err := parser.Feed(b[:]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(listener.frames) != 0 || len(listener.errs) != 0 {
		t.Errorf("unknown control frame should be silently ignored, got frames=%d errs=%d", len(listener.frames), len(listener.errs))
	}
}
