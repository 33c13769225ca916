package spdy

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Generator serializes Frame values into wire bytes, the inverse of
// Parser. Header-block compression runs through a session-scoped
// headerCodec, since SPDY/2 and SPDY/3 keep a single deflate context
// alive across every frame of a session rather than restarting it per
// frame.
type Generator struct {
	codec *headerCodec
}

// NewGenerator builds a Generator for the given protocol version. Its
// deflate context is stateful: all frames of one session must go through
// the same Generator, in the order they will appear on the wire.
func NewGenerator(version Version) *Generator {
	return &Generator{codec: newHeaderCodec(version)}
}

// Close releases the Generator's deflate state. The Generator must not be
// used again afterwards.
func (g *Generator) Close() error {
	return g.codec.close()
}

// Generate serializes frame into a complete wire-format frame, including
// its 8-byte common header.
func (g *Generator) Generate(frame Frame) ([]byte, error) {
	switch f := frame.(type) {
	case *SynStreamFrame:
		return g.genSynStream(f)
	case *SynReplyFrame:
		return g.genSynReply(f)
	case *RstStreamFrame:
		return g.genRstStream(f)
	case *SettingsFrame:
		return g.genSettings(f)
	case *NoopFrame:
		return g.controlHeader(f.Version, TypeNoop, 0, 0), nil
	case *PingFrame:
		return g.genPing(f)
	case *GoAwayFrame:
		return g.genGoAway(f)
	case *HeadersFrame:
		return g.genHeaders(f)
	case *WindowUpdateFrame:
		return g.genWindowUpdate(f)
	case *DataFrame:
		return g.genData(f)
	default:
		return nil, fmt.Errorf("spdy: generator: unknown frame type %T", frame)
	}
}

// controlHeader builds the 8-byte common header for a control frame of
// the given type, flags and body length; the body must be appended by the
// caller.
func (g *Generator) controlHeader(version Version, typ ControlFrameType, flags uint8, length int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], 0x80000000|uint32(version)<<16|uint32(typ))
	b[4] = flags
	b[5] = byte(length >> 16)
	b[6] = byte(length >> 8)
	b[7] = byte(length)
	return b[:]
}

func putStreamID(buf *bytes.Buffer, id StreamID) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id)&streamIDMask)
	buf.Write(b[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func (g *Generator) genSynStream(f *SynStreamFrame) ([]byte, error) {
	var body bytes.Buffer
	putStreamID(&body, f.StreamID)
	putStreamID(&body, f.AssociatedToStreamID)
	if f.Version == Version2 {
		body.WriteByte(f.Priority << 6)
	} else {
		body.WriteByte(f.Priority << 5)
	}
	body.WriteByte(f.Slot)

	compressed, err := g.codec.encode(f.Headers)
	if err != nil {
		return nil, err
	}
	body.Write(compressed)

	if body.Len() > MaxFrameLength {
		return nil, fmt.Errorf("spdy: SYN_STREAM body too large: %d bytes", body.Len())
	}
	out := g.controlHeader(f.Version, TypeSynStream, uint8(f.Flags), body.Len())
	return append(out, body.Bytes()...), nil
}

func (g *Generator) genSynReply(f *SynReplyFrame) ([]byte, error) {
	var body bytes.Buffer
	putStreamID(&body, f.StreamID)
	if f.Version == Version2 {
		body.Write([]byte{0, 0})
	}
	compressed, err := g.codec.encode(f.Headers)
	if err != nil {
		return nil, err
	}
	body.Write(compressed)

	out := g.controlHeader(f.Version, TypeSynReply, uint8(f.Flags), body.Len())
	return append(out, body.Bytes()...), nil
}

func (g *Generator) genRstStream(f *RstStreamFrame) ([]byte, error) {
	wire, err := rstStatusWire(f.Version, f.Status)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	putStreamID(&body, f.StreamID)
	putUint32(&body, wire)

	out := g.controlHeader(f.Version, TypeRstStream, 0, body.Len())
	return append(out, body.Bytes()...), nil
}

func (g *Generator) genSettings(f *SettingsFrame) ([]byte, error) {
	var body bytes.Buffer
	putUint32(&body, uint32(len(f.Settings)))
	for _, s := range f.Settings {
		putUint32(&body, uint32(s.Flag)<<24|uint32(s.ID)&0x00ffffff)
		putUint32(&body, s.Value)
	}
	var flags uint8
	if f.ClearPersisted {
		flags = uint8(FlagSettingsClearPersisted)
	}
	out := g.controlHeader(f.Version, TypeSettings, flags, body.Len())
	return append(out, body.Bytes()...), nil
}

func (g *Generator) genPing(f *PingFrame) ([]byte, error) {
	var body bytes.Buffer
	putUint32(&body, f.ID)
	out := g.controlHeader(f.Version, TypePing, 0, body.Len())
	return append(out, body.Bytes()...), nil
}

func (g *Generator) genGoAway(f *GoAwayFrame) ([]byte, error) {
	var body bytes.Buffer
	putStreamID(&body, f.LastGoodStreamID)
	if f.Version == Version3 {
		putUint32(&body, uint32(f.Status))
	}
	out := g.controlHeader(f.Version, TypeGoAway, 0, body.Len())
	return append(out, body.Bytes()...), nil
}

func (g *Generator) genHeaders(f *HeadersFrame) ([]byte, error) {
	var body bytes.Buffer
	putStreamID(&body, f.StreamID)
	if f.Version == Version2 {
		body.Write([]byte{0, 0})
	}
	compressed, err := g.codec.encode(f.Headers)
	if err != nil {
		return nil, err
	}
	body.Write(compressed)

	out := g.controlHeader(f.Version, TypeHeaders, uint8(f.Flags), body.Len())
	return append(out, body.Bytes()...), nil
}

func (g *Generator) genWindowUpdate(f *WindowUpdateFrame) ([]byte, error) {
	if f.Version != Version3 {
		return nil, fmt.Errorf("spdy: WINDOW_UPDATE is not valid on SPDY/2")
	}
	var body bytes.Buffer
	putStreamID(&body, f.StreamID)
	putUint32(&body, f.DeltaWindowSize&streamIDMask)
	out := g.controlHeader(f.Version, TypeWindowUpdate, 0, body.Len())
	return append(out, body.Bytes()...), nil
}

// genData serializes a DATA frame carrying exactly f.Data. The caller
// decides how much of a pending write to slice off based on the current
// flow-control window before calling Generate; the generator itself
// performs no windowing.
func (g *Generator) genData(f *DataFrame) ([]byte, error) {
	if len(f.Data) > MaxFrameLength {
		return nil, fmt.Errorf("spdy: DATA frame too large: %d bytes", len(f.Data))
	}
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(f.StreamID)&streamIDMask)
	b[4] = uint8(f.Flags)
	b[5] = byte(len(f.Data) >> 16)
	b[6] = byte(len(f.Data) >> 8)
	b[7] = byte(len(f.Data))
	return append(b[:], f.Data...), nil
}
