package spdy

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// StreamState is one state of a Stream's close-state machine: OPEN, then
// HALF_CLOSED in either direction once a FIN has gone by, then CLOSED once
// both directions are closed or the stream is reset.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed(local)"
	case StreamHalfClosedRemote:
		return "half-closed(remote)"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is one logical, bidirectional sequence of frames multiplexed
// over a Session.
type Stream struct {
	id       StreamID
	session  *Session
	version  Version
	priority uint8

	closeMu       sync.Mutex
	state         StreamState
	replySent     bool
	replyReceived bool
	resetStatus   RSTStatusCode
	resetByLocal  bool

	// sendWindow is the number of bytes this stream may still send
	// without receiving a WINDOW_UPDATE from the peer. It is debited only
	// by TryReserve, which never takes it below zero, and credited only by
	// growWindow, which runs off an inbound WINDOW_UPDATE; a SETTINGS
	// change to the initial window applies only to streams opened after
	// it and leaves this field alone. It is meaningless and unused on
	// SPDY/2 sessions, which have no flow control.
	sendWindow atomic.Int32

	// recvWindow tracks how much of the window this endpoint has granted
	// the peer that has not yet been consumed by inbound DATA. It is
	// debited by consumeWindow and never touched by TryReserve, so
	// receiving data can never stall this endpoint's own outbound sends.
	recvWindow atomic.Int32

	listenersMu sync.RWMutex
	listeners   []StreamFrameListener
}

func newStream(session *Session, id StreamID, version Version, priority uint8, initialWindow int32) *Stream {
	st := &Stream{
		id:       id,
		session:  session,
		version:  version,
		priority: priority,
		state:    StreamOpen,
	}
	st.sendWindow.Store(initialWindow)
	st.recvWindow.Store(initialWindow)
	return st
}

// ID returns the stream's identifier.
func (s *Stream) ID() StreamID { return s.id }

// Priority returns the priority carried by the stream's SYN_STREAM.
func (s *Stream) Priority() uint8 { return s.priority }

// State returns the stream's current state.
func (s *Stream) State() StreamState {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.state
}

// Window returns the stream's current outbound flow-control window (the
// budget TryReserve draws from). It is only meaningful for SPDY/3 sessions.
func (s *Stream) Window() int32 { return s.sendWindow.Load() }

// ResetStatus reports the status a RST_STREAM closed the stream with and
// whether the reset was initiated locally. It is only meaningful once the
// stream has been reset.
func (s *Stream) ResetStatus() (status RSTStatusCode, byLocal bool) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.resetStatus, s.resetByLocal
}

// AddListener registers l to receive every frame addressed to this
// stream.
func (s *Stream) AddListener(l StreamFrameListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Reply sends the stream's SYN_REPLY. A reply is valid exactly once, and
// only while the stream is open or half-closed on the remote side.
func (s *Stream) Reply(headers Headers, fin bool) error {
	s.closeMu.Lock()
	if s.replySent {
		s.closeMu.Unlock()
		return &StreamException{StreamID: s.id, Status: streamInUseFor(s.version), Cause: fmt.Errorf("spdy: SYN_REPLY already sent")}
	}
	if s.state != StreamOpen && s.state != StreamHalfClosedRemote {
		s.closeMu.Unlock()
		return &StreamException{StreamID: s.id, Status: ProtocolError, Cause: fmt.Errorf("spdy: SYN_REPLY in state %v", s.state)}
	}
	s.replySent = true
	s.closeMu.Unlock()

	flags := ControlFlags(0)
	if fin {
		flags |= ControlFlagFin
	}
	sess := s.session
	sess.sessionMu.Lock()
	b, err := sess.generator.Generate(&SynReplyFrame{Version: s.version, Flags: flags, StreamID: s.id, Headers: headers})
	sess.sessionMu.Unlock()
	if err != nil {
		return err
	}
	sess.queue.enqueueControl(b, nil)
	if fin {
		s.halfCloseLocal()
	}
	return nil
}

// WriteHeaders sends a HEADERS frame carrying additional headers for the
// stream.
func (s *Stream) WriteHeaders(headers Headers, fin bool) error {
	flags := ControlFlags(0)
	if fin {
		flags |= ControlFlagFin
	}
	sess := s.session
	sess.sessionMu.Lock()
	b, err := sess.generator.Generate(&HeadersFrame{Version: s.version, Flags: flags, StreamID: s.id, Headers: headers})
	sess.sessionMu.Unlock()
	if err != nil {
		return err
	}
	sess.queue.enqueueControl(b, nil)
	if fin {
		s.halfCloseLocal()
	}
	return nil
}

// WriteData queues a DATA payload for the stream, window-gated the same
// way as Session.Write.
func (s *Stream) WriteData(data []byte, fin bool) error {
	return s.session.Write(s.id, data, fin)
}

func (s *Stream) notify(frame Frame) {
	s.listenersMu.RLock()
	listeners := append([]StreamFrameListener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		s.callOnStreamFrame(l, frame)
	}
}

func (s *Stream) callOnStreamFrame(l StreamFrameListener, frame Frame) {
	defer recoverListenerPanic("StreamFrameListener.OnStreamFrame")
	l.OnStreamFrame(s, frame)
}

// deliver applies an inbound frame already resolved to this stream,
// updating state and flow control before notifying listeners.
func (s *Stream) deliver(frame Frame) error {
	switch f := frame.(type) {
	case *SynReplyFrame:
		s.closeMu.Lock()
		if s.replyReceived {
			s.closeMu.Unlock()
			return &StreamException{StreamID: s.id, Status: streamInUseFor(s.version), Cause: fmt.Errorf("spdy: duplicate SYN_REPLY")}
		}
		s.replyReceived = true
		s.closeMu.Unlock()
		if f.Flags&ControlFlagFin != 0 {
			if err := s.halfCloseRemote(); err != nil {
				return err
			}
		}
	case *HeadersFrame:
		if f.Flags&ControlFlagFin != 0 {
			if err := s.halfCloseRemote(); err != nil {
				return err
			}
		}
	case *DataFrame:
		if s.remoteClosed() {
			return &StreamException{StreamID: s.id, Status: ProtocolError, Cause: fmt.Errorf("spdy: DATA on a remotely-closed stream")}
		}
		if err := s.consumeWindow(int32(len(f.Data))); err != nil {
			return err
		}
		if f.Flags&DataFlagFin != 0 {
			if err := s.halfCloseRemote(); err != nil {
				return err
			}
		}
	case *WindowUpdateFrame:
		if s.version != Version3 {
			return &StreamException{StreamID: s.id, Status: ProtocolError, Cause: fmt.Errorf("spdy: WINDOW_UPDATE on a SPDY/2 stream")}
		}
		if err := s.growWindow(int32(f.DeltaWindowSize)); err != nil {
			return err
		}
	case *RstStreamFrame:
		s.forceClosed(f.Status, false)
	}
	s.notify(frame)
	return nil
}

// remoteClosed reports whether the peer has already finished its side of
// the stream.
func (s *Stream) remoteClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.state == StreamHalfClosedRemote || s.state == StreamClosed
}

// halfCloseLocal records that this endpoint has sent its last frame for
// the stream (a FIN flag went out), transitioning OPEN -> HALF_CLOSED_LOCAL
// or, if the remote direction is already closed, all the way to CLOSED.
func (s *Stream) halfCloseLocal() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedLocal
	case StreamHalfClosedRemote:
		s.state = StreamClosed
		s.session.removeStream(s.id)
	}
}

// halfCloseRemote records that the peer sent its last frame for the
// stream. Receiving a FIN for a stream whose remote side is already
// closed is a STREAM_ALREADY_CLOSED stream error (PROTOCOL_ERROR on
// SPDY/2, which has no code for it).
func (s *Stream) halfCloseRemote() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		s.state = StreamClosed
		s.session.removeStream(s.id)
	case StreamHalfClosedRemote, StreamClosed:
		return &StreamException{StreamID: s.id, Status: streamAlreadyClosedFor(s.version), Cause: fmt.Errorf("spdy: FIN on a stream whose remote side is already closed")}
	}
	return nil
}

// forceClosed moves the stream straight to CLOSED, as happens on
// RST_STREAM either sent or received. byLocal records which side
// initiated the reset, for listeners that care.
func (s *Stream) forceClosed(status RSTStatusCode, byLocal bool) {
	s.closeMu.Lock()
	already := s.state == StreamClosed
	s.state = StreamClosed
	s.resetStatus = status
	s.resetByLocal = byLocal
	s.closeMu.Unlock()
	if !already {
		s.session.removeStream(s.id)
	}
}

// growWindow applies an inbound WINDOW_UPDATE delta. A delta that would
// overflow the window past what SPDY/3 permits is a stream-level
// FLOW_CONTROL_ERROR.
func (s *Stream) growWindow(delta int32) error {
	for {
		old := s.sendWindow.Load()
		next := old + delta
		if delta > 0 && next < old {
			return &StreamException{StreamID: s.id, Status: FlowControlError, Cause: fmt.Errorf("spdy: WINDOW_UPDATE overflowed the window")}
		}
		if s.sendWindow.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// consumeWindow debits n bytes of inbound DATA from the receive window
// only; it never touches sendWindow. Going negative here is the peer's
// fault, not checked against: it is the peer's job not to send past the
// window this endpoint granted it.
func (s *Stream) consumeWindow(n int32) error {
	if s.version != Version3 {
		return nil
	}
	s.recvWindow.Add(-n)
	return nil
}

// TryReserve attempts to debit up to want bytes from the stream's outbound
// flow-control window, returning how many bytes may actually be sent now.
// It never blocks; a stream with no window left returns 0 and the write
// queue holds the frame until a WINDOW_UPDATE arrives. SPDY/2 streams have
// no flow control and always grant the full request.
func (s *Stream) TryReserve(want int32) int32 {
	if s.version != Version3 {
		return want
	}
	for {
		old := s.sendWindow.Load()
		if old <= 0 {
			return 0
		}
		grant := want
		if grant > old {
			grant = old
		}
		if s.sendWindow.CompareAndSwap(old, old-grant) {
			return grant
		}
	}
}
