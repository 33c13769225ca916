package spdy

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type parserState int

const (
	stateFrameHeader parserState = iota
	stateControlBody
	stateDataBody
)

// Parser incrementally decodes a byte stream into Frame values. It is fed
// arbitrarily small chunks via Feed -- a single byte at a time is legal --
// and is therefore safe to drive directly off whatever read sizes the
// transport happens to produce. It holds no transport of its own; a
// Session's single reader goroutine owns the connection and calls Feed in
// a loop.
//
// The compressed name/value block of a SYN_STREAM, SYN_REPLY or HEADERS
// frame is buffered whole (see headerCodec.decode) before it is inflated,
// so this Parser also buffers the rest of a control frame's body whole
// before interpreting it; only DATA frame payload is delivered to the
// listener incrementally, chunk by chunk, as bytes arrive.
type Parser struct {
	listener ParserListener
	codec    *headerCodec

	state parserState

	hdr     [8]byte
	hdrFill int

	isControl bool
	ctlType   ControlFrameType
	ctlVer    Version
	flags     uint8
	length    int

	body    []byte
	bodyPos int

	dataStreamID  StreamID
	dataFlags     uint8
	dataRemaining int
	dataDiscard   bool
}

// NewParser builds a Parser for the given protocol version, reporting
// decoded frames and errors to listener.
func NewParser(version Version, listener ParserListener) *Parser {
	return &Parser{codec: newHeaderCodec(version), listener: listener}
}

// Close releases the Parser's inflate state. The Parser must not be fed
// again afterwards.
func (p *Parser) Close() error {
	return p.codec.close()
}

// Feed consumes data, decoding as many complete frames as it contains and
// reporting each to the listener. Every error is reported via
// OnParseError. Feed returns an error only when it is a SessionException,
// which means the caller must stop feeding this Parser and tear down the
// transport; any other error is not returned, and parsing continues with
// the next frame.
func (p *Parser) Feed(data []byte) error {
	for len(data) > 0 {
		switch p.state {
		case stateFrameHeader:
			n := copy(p.hdr[p.hdrFill:], data)
			p.hdrFill += n
			data = data[n:]
			if p.hdrFill < len(p.hdr) {
				return nil
			}
			p.hdrFill = 0
			if err := p.beginFrame(); err != nil {
				return err
			}

		case stateControlBody:
			n := copy(p.body[p.bodyPos:], data)
			p.bodyPos += n
			data = data[n:]
			if p.bodyPos < len(p.body) {
				continue
			}
			if err := p.finishControlFrame(); err != nil {
				p.listener.OnParseError(err)
				if isSessionFatal(err) {
					return err
				}
			}
			p.state = stateFrameHeader

		case stateDataBody:
			n := p.dataRemaining
			if n > len(data) {
				n = len(data)
			}
			chunk := data[:n]
			data = data[n:]
			p.dataRemaining -= n

			if !p.dataDiscard {
				flags := DataFlags(0)
				if p.dataRemaining == 0 {
					flags = DataFlags(p.dataFlags)
				}
				p.listener.OnFrame(&DataFrame{StreamID: p.dataStreamID, Flags: flags, Data: append([]byte(nil), chunk...)})
			}

			if p.dataRemaining == 0 {
				p.state = stateFrameHeader
			}
		}
	}
	return nil
}

// isSessionFatal reports whether err must abort the whole session, as
// opposed to being recoverable by resetting one stream.
func isSessionFatal(err error) bool {
	var se *SessionException
	return errors.As(err, &se)
}

// beginFrame interprets the 8-byte common header just completed and
// transitions to the appropriate body state. The top bit of the first
// word distinguishes control (1) from data (0). It returns a
// session-fatal error raised by a zero-length control frame, which is
// finished here rather than in Feed.
func (p *Parser) beginFrame() error {
	word0 := binary.BigEndian.Uint32(p.hdr[0:4])
	p.isControl = word0&0x80000000 != 0
	p.flags = p.hdr[4]
	p.length = int(p.hdr[5])<<16 | int(p.hdr[6])<<8 | int(p.hdr[7])

	if p.isControl {
		p.ctlVer = Version(word0 >> 16 & 0x7fff)
		p.ctlType = ControlFrameType(binary.BigEndian.Uint16(p.hdr[2:4]))
		p.body = make([]byte, p.length)
		p.bodyPos = 0
		if p.length == 0 {
			p.state = stateFrameHeader
			if err := p.finishControlFrame(); err != nil {
				p.listener.OnParseError(err)
				if isSessionFatal(err) {
					return err
				}
			}
			return nil
		}
		p.state = stateControlBody
		return nil
	}

	p.dataStreamID = StreamID(word0 & streamIDMask)
	p.dataFlags = p.flags
	p.dataRemaining = p.length
	p.dataDiscard = false
	if p.flags&^uint8(DataFlagFin) != 0 {
		// Unknown flag bits; the payload is still consumed so the next
		// frame header lands on the right byte, but no frames are emitted
		// for it.
		p.dataDiscard = true
		p.listener.OnParseError(&StreamException{
			StreamID: p.dataStreamID,
			Status:   ProtocolError,
			Cause:    fmt.Errorf("spdy: invalid flags 0x%02x on DATA frame", p.flags),
		})
	}
	if p.dataRemaining == 0 {
		if !p.dataDiscard {
			p.listener.OnFrame(&DataFrame{StreamID: p.dataStreamID, Flags: DataFlags(p.dataFlags), Data: nil})
		}
		p.state = stateFrameHeader
		return nil
	}
	p.state = stateDataBody
	return nil
}

// finishControlFrame parses the now-complete control frame body and
// reports the decoded Frame, or an error, to the listener.
func (p *Parser) finishControlFrame() error {
	switch p.ctlType {
	case TypeSynStream:
		return p.parseSynStream()
	case TypeSynReply:
		return p.parseSynReply()
	case TypeRstStream:
		return p.parseRstStream()
	case TypeSettings:
		return p.parseSettings()
	case TypeNoop:
		p.listener.OnFrame(&NoopFrame{Version: p.ctlVer})
		return nil
	case TypePing:
		return p.parsePing()
	case TypeGoAway:
		return p.parseGoAway()
	case TypeHeaders:
		return p.parseHeadersFrame()
	case TypeWindowUpdate:
		return p.parseWindowUpdate()
	default:
		// Unknown control frame types are ignored, not an error.
		return nil
	}
}

func u32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func (p *Parser) requireLen(min int) error {
	if len(p.body) < min {
		return &StreamException{Status: ProtocolError, Cause: fmt.Errorf("spdy: %v frame too short: %d bytes", p.ctlType, len(p.body))}
	}
	return nil
}

// checkFlags rejects flag bits outside allowed for a frame type that
// defines flags. It runs after any header block has been decoded so the
// shared inflate context stays in sync even for a rejected frame.
func (p *Parser) checkFlags(allowed uint8, streamID StreamID) error {
	if p.flags&^allowed != 0 {
		return &StreamException{
			StreamID: streamID,
			Status:   ProtocolError,
			Cause:    fmt.Errorf("spdy: invalid flags 0x%02x on %v frame", p.flags, p.ctlType),
		}
	}
	return nil
}

func (p *Parser) parseSynStream() error {
	if err := p.requireLen(10); err != nil {
		return err
	}
	streamID := StreamID(u32(p.body[0:4]) & streamIDMask)
	assoc := StreamID(u32(p.body[4:8]) & streamIDMask)

	var priority uint8
	if p.ctlVer == Version2 {
		priority = p.body[8] >> 6
	} else {
		priority = p.body[8] >> 5
	}
	slot := p.body[9]

	headers, err := p.decodeHeaderBlock(p.body[10:], streamID)
	if err != nil {
		return err
	}
	if err := p.checkFlags(uint8(ControlFlagFin|ControlFlagUnidirectional), streamID); err != nil {
		return err
	}
	p.listener.OnFrame(&SynStreamFrame{
		Version:              p.ctlVer,
		Flags:                ControlFlags(p.flags),
		StreamID:             streamID,
		AssociatedToStreamID: assoc,
		Priority:             priority,
		Slot:                 slot,
		Headers:              headers,
	})
	return nil
}

func (p *Parser) parseSynReply() error {
	fixed := 4
	if p.ctlVer == Version2 {
		fixed = 6
	}
	if err := p.requireLen(fixed); err != nil {
		return err
	}
	streamID := StreamID(u32(p.body[0:4]) & streamIDMask)
	headers, err := p.decodeHeaderBlock(p.body[fixed:], streamID)
	if err != nil {
		return err
	}
	if err := p.checkFlags(uint8(ControlFlagFin), streamID); err != nil {
		return err
	}
	p.listener.OnFrame(&SynReplyFrame{Version: p.ctlVer, Flags: ControlFlags(p.flags), StreamID: streamID, Headers: headers})
	return nil
}

func (p *Parser) parseRstStream() error {
	if err := p.requireLen(8); err != nil {
		return err
	}
	streamID := StreamID(u32(p.body[0:4]) & streamIDMask)
	if err := p.checkFlags(0, streamID); err != nil {
		return err
	}
	status := rstStatusSymbol(p.ctlVer, u32(p.body[4:8]))
	p.listener.OnFrame(&RstStreamFrame{Version: p.ctlVer, StreamID: streamID, Status: status})
	return nil
}

func (p *Parser) parseSettings() error {
	if err := p.requireLen(4); err != nil {
		return err
	}
	if err := p.checkFlags(uint8(FlagSettingsClearPersisted), 0); err != nil {
		return err
	}
	count := int(u32(p.body[0:4]))
	want := 4 + count*8
	if err := p.requireLen(want); err != nil {
		return err
	}
	settings := make([]Setting, 0, count)
	for i := 0; i < count; i++ {
		off := 4 + i*8
		word := u32(p.body[off : off+4])
		settings = append(settings, Setting{
			Flag:  SettingFlag(word >> 24),
			ID:    SettingID(word & 0x00ffffff),
			Value: u32(p.body[off+4 : off+8]),
		})
	}
	p.listener.OnFrame(&SettingsFrame{
		Version:        p.ctlVer,
		ClearPersisted: ControlFlags(p.flags)&FlagSettingsClearPersisted != 0,
		Settings:       settings,
	})
	return nil
}

func (p *Parser) parsePing() error {
	if err := p.requireLen(4); err != nil {
		return err
	}
	if err := p.checkFlags(0, 0); err != nil {
		return err
	}
	p.listener.OnFrame(&PingFrame{Version: p.ctlVer, ID: u32(p.body[0:4])})
	return nil
}

func (p *Parser) parseGoAway() error {
	if err := p.requireLen(4); err != nil {
		return err
	}
	if err := p.checkFlags(0, 0); err != nil {
		return err
	}
	last := StreamID(u32(p.body[0:4]) & streamIDMask)
	status := GoAwayOK
	if p.ctlVer == Version3 {
		if err := p.requireLen(8); err != nil {
			return err
		}
		status = GoAwayStatus(u32(p.body[4:8]))
	}
	p.listener.OnFrame(&GoAwayFrame{Version: p.ctlVer, LastGoodStreamID: last, Status: status})
	return nil
}

func (p *Parser) parseHeadersFrame() error {
	fixed := 4
	if p.ctlVer == Version2 {
		fixed = 6
	}
	if err := p.requireLen(fixed); err != nil {
		return err
	}
	streamID := StreamID(u32(p.body[0:4]) & streamIDMask)
	headers, err := p.decodeHeaderBlock(p.body[fixed:], streamID)
	if err != nil {
		return err
	}
	if err := p.checkFlags(uint8(ControlFlagFin), streamID); err != nil {
		return err
	}
	p.listener.OnFrame(&HeadersFrame{Version: p.ctlVer, Flags: ControlFlags(p.flags), StreamID: streamID, Headers: headers})
	return nil
}

func (p *Parser) parseWindowUpdate() error {
	if p.ctlVer != Version3 {
		return &SessionException{Status: GoAwayProtocolError, Cause: fmt.Errorf("spdy: WINDOW_UPDATE is not valid on SPDY/2")}
	}
	if err := p.requireLen(8); err != nil {
		return err
	}
	streamID := StreamID(u32(p.body[0:4]) & streamIDMask)
	if err := p.checkFlags(0, streamID); err != nil {
		return err
	}
	delta := u32(p.body[4:8]) & streamIDMask
	p.listener.OnFrame(&WindowUpdateFrame{Version: p.ctlVer, StreamID: streamID, DeltaWindowSize: delta})
	return nil
}

// decodeHeaderBlock inflates the compressed tail of a control frame body.
// The whole frame has already been buffered, so the codec is always
// satisfied in one call. A stream-level decode failure is tagged with
// streamID so the session can reset the right stream.
func (p *Parser) decodeHeaderBlock(compressed []byte, streamID StreamID) (Headers, error) {
	if len(compressed) == 0 {
		return nil, &StreamException{StreamID: streamID, Status: ProtocolError, Cause: fmt.Errorf("spdy: missing header block")}
	}
	headers, ok, err := p.codec.decode(compressed, len(compressed))
	if err != nil {
		var se *StreamException
		if errors.As(err, &se) && se.StreamID == 0 {
			se.StreamID = streamID
		}
		return nil, err
	}
	if !ok {
		return nil, &SessionException{Status: GoAwayInternalError, Cause: fmt.Errorf("spdy: header block did not decode in one pass")}
	}
	return headers, nil
}
