package spdy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// defaultInitialWindow is the flow-control window a SPDY/3 stream starts
// with before any SETTINGS_INITIAL_WINDOW_SIZE negotiation (SPDY/3
// section 2.6.8).
const defaultInitialWindow = 64 * 1024

// ErrUnidirectional is returned by Syn when the caller asks for a
// unidirectional (server-push) stream. The wire format defines them but
// this package does not implement them.
var ErrUnidirectional = errors.New("spdy: unidirectional streams are not supported")

// Role distinguishes which end of the connection a Session plays, which
// determines the parity of the stream and ping ids it allocates: odd for
// a client, even for a server.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Session multiplexes many Streams over one transport. Besides
// listenersMu, which guards only the listener registry, its frame paths
// use two locks, deliberately kept separate: sessionMu guards id allocation,
// header compression and stream registration, while the writeQueue's own
// mutex guards only the outbound FIFO and its single-flight flushing
// flag, so queueing a write never contends with opening a new stream or
// vice versa.
type Session struct {
	version Version
	role    Role

	controller Controller
	parser     *Parser
	generator  *Generator
	queue      *writeQueue
	gate       streamGate

	sessionMu sync.Mutex
	streams   sync.Map // StreamID -> *Stream

	nextStreamID  atomic.Uint32
	nextPingID    atomic.Uint32
	lastStreamID  atomic.Uint32
	initialWindow atomic.Int32

	// goingAway latches once this endpoint has initiated its own GO_AWAY;
	// rejected latches once the peer's GO_AWAY has been observed. They are
	// distinct on purpose: a peer GO_AWAY suppresses our own GO_AWAY
	// emission but does not, by itself, forbid the application from
	// opening further streams.
	goingAway atomic.Bool
	rejected  atomic.Bool
	closed    atomic.Bool

	listenersMu     sync.RWMutex
	sessionFrame    []SessionFrameListener
	sessionEvents   []SessionListener
	streamLifecycle []StreamLifecycleListener
	acceptors       []StreamAcceptor
}

// NewSession builds a Session for version, playing role, writing through
// controller. The caller must then feed bytes read from the transport to
// the Session via Feed, on a single reader goroutine; Session does not
// read from controller itself.
func NewSession(version Version, role Role, controller Controller) *Session {
	s := &Session{
		version:    version,
		role:       role,
		controller: controller,
	}
	s.generator = NewGenerator(version)
	s.parser = NewParser(version, s)
	s.queue = newWriteQueue(controller)
	s.initialWindow.Store(defaultInitialWindow)

	first := uint32(1)
	if role == RoleServer {
		first = 2
	}
	s.nextStreamID.Store(first)
	s.nextPingID.Store(first)
	return s
}

// Feed hands the Session bytes read off the transport. It is a thin
// pass-through to the Session's Parser; call it from the single goroutine
// that owns the transport's read side.
func (s *Session) Feed(b []byte) error {
	return s.parser.Feed(b)
}

// AddListener registers l for whichever of the listener interfaces it
// implements: SessionFrameListener, SessionListener,
// StreamLifecycleListener, StreamAcceptor, or any combination.
func (s *Session) AddListener(l interface{}) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if fl, ok := l.(SessionFrameListener); ok {
		s.sessionFrame = append(s.sessionFrame, fl)
	}
	if sl, ok := l.(SessionListener); ok {
		s.sessionEvents = append(s.sessionEvents, sl)
	}
	if cl, ok := l.(StreamLifecycleListener); ok {
		s.streamLifecycle = append(s.streamLifecycle, cl)
	}
	if al, ok := l.(StreamAcceptor); ok {
		s.acceptors = append(s.acceptors, al)
	}
}

// RemoveListener undoes a prior AddListener.
func (s *Session) RemoveListener(l interface{}) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if fl, ok := l.(SessionFrameListener); ok {
		s.sessionFrame = removeSessionFrameListener(s.sessionFrame, fl)
	}
	if sl, ok := l.(SessionListener); ok {
		s.sessionEvents = removeSessionListener(s.sessionEvents, sl)
	}
	if cl, ok := l.(StreamLifecycleListener); ok {
		s.streamLifecycle = removeStreamLifecycleListener(s.streamLifecycle, cl)
	}
	if al, ok := l.(StreamAcceptor); ok {
		s.acceptors = removeStreamAcceptor(s.acceptors, al)
	}
}

func removeSessionFrameListener(list []SessionFrameListener, target SessionFrameListener) []SessionFrameListener {
	out := list[:0]
	for _, l := range list {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

func removeSessionListener(list []SessionListener, target SessionListener) []SessionListener {
	out := list[:0]
	for _, l := range list {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

func removeStreamLifecycleListener(list []StreamLifecycleListener, target StreamLifecycleListener) []StreamLifecycleListener {
	out := list[:0]
	for _, l := range list {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

func removeStreamAcceptor(list []StreamAcceptor, target StreamAcceptor) []StreamAcceptor {
	out := list[:0]
	for _, l := range list {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

// notifyStreamCreated tells every registered StreamLifecycleListener that st
// has just entered the session's registry. Called exactly once per stream,
// from the two places a stream is created: Syn (local) and onSynStream
// (remote).
func (s *Session) notifyStreamCreated(st *Stream) {
	s.listenersMu.RLock()
	listeners := append([]StreamLifecycleListener(nil), s.streamLifecycle...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		s.notifyStreamCreatedOne(l, st)
	}
}

func (s *Session) notifyStreamCreatedOne(l StreamLifecycleListener, st *Stream) {
	defer recoverListenerPanic("StreamLifecycleListener.OnStreamCreated")
	l.OnStreamCreated(s, st)
}

// notifyStreamClosed tells every registered StreamLifecycleListener that st
// has left the registry. removeStream is the single place an announced
// stream is removed (Syn's own failure path drops a stream before it is
// announced), guarded by sync.Map.LoadAndDelete succeeding only once, so
// this fires exactly once per stream regardless of which path into
// StreamClosed the stream took.
func (s *Session) notifyStreamClosed(st *Stream) {
	s.listenersMu.RLock()
	listeners := append([]StreamLifecycleListener(nil), s.streamLifecycle...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		s.notifyStreamClosedOne(l, st)
	}
}

func (s *Session) notifyStreamClosedOne(l StreamLifecycleListener, st *Stream) {
	defer recoverListenerPanic("StreamLifecycleListener.OnStreamClosed")
	l.OnStreamClosed(s, st)
}

// SynInfo describes the stream a Syn call should open.
type SynInfo struct {
	Headers  Headers
	Priority uint8
	// Fin marks the SYN_STREAM itself as this endpoint's last frame on
	// the stream.
	Fin bool
	// Unidirectional is acknowledged by the wire format but not
	// implemented; Syn rejects it with ErrUnidirectional.
	Unidirectional bool
}

// Syn opens a new stream described by info, allocating the next id of
// this session's parity, and installs listener (which may be nil) to
// receive frames addressed to the new stream. It fails fast, without
// blocking, if the peer's SETTINGS_MAX_CONCURRENT_STREAMS has exhausted
// the gate or the session is closing.
//
// Allocation, header compression, registration and enqueueing share one
// critical section: SPDY/3 section 2.3.1 requires monotonically increasing
// stream ids on the wire, and the deflate context is stateful, so a later
// id's compressed block must not be produced before an earlier one's.
func (s *Session) Syn(info SynInfo, listener StreamFrameListener) (*Stream, error) {
	if info.Unidirectional {
		return nil, ErrUnidirectional
	}
	if s.goingAway.Load() || s.closed.Load() {
		return nil, &SessionException{Status: GoAwayOK, Cause: fmt.Errorf("spdy: session is going away")}
	}
	if !s.gate.TryDec() {
		return nil, &StreamException{Status: RefusedStream, Cause: fmt.Errorf("spdy: max concurrent streams reached")}
	}

	s.sessionMu.Lock()
	id := StreamID(s.nextStreamID.Add(2) - 2)
	st := newStream(s, id, s.version, info.Priority, s.initialWindow.Load())
	if listener != nil {
		st.AddListener(listener)
	}
	s.streams.Store(id, st)
	flags := ControlFlags(0)
	if info.Fin {
		flags |= ControlFlagFin
		st.halfCloseLocal()
	}
	frame := &SynStreamFrame{Version: s.version, Flags: flags, StreamID: id, Priority: info.Priority, Headers: info.Headers}
	b, err := s.generator.Generate(frame)
	if err != nil {
		s.streams.Delete(id)
		s.sessionMu.Unlock()
		s.gate.Inc()
		return nil, err
	}
	s.queue.enqueue(&writeUnit{bytes: b})
	s.sessionMu.Unlock()

	s.notifyStreamCreated(st)
	s.queue.flush()
	return st, nil
}

// Rst sends RST_STREAM for id with the given status and forgets the
// stream locally.
func (s *Session) Rst(id StreamID, status RSTStatusCode) error {
	if s.closed.Load() {
		return fmt.Errorf("spdy: session closed")
	}
	s.sessionMu.Lock()
	frame := &RstStreamFrame{Version: s.version, StreamID: id, Status: status}
	b, err := s.generator.Generate(frame)
	s.sessionMu.Unlock()
	if err != nil {
		return err
	}
	if st, ok := s.streamByID(id); ok {
		st.forceClosed(status, true)
	}
	s.queue.enqueueControl(b, nil)
	return nil
}

// Settings sends a SETTINGS frame.
func (s *Session) Settings(settings []Setting, clearPersisted bool) error {
	if s.closed.Load() {
		return fmt.Errorf("spdy: session closed")
	}
	s.sessionMu.Lock()
	frame := &SettingsFrame{Version: s.version, ClearPersisted: clearPersisted, Settings: settings}
	b, err := s.generator.Generate(frame)
	s.sessionMu.Unlock()
	if err != nil {
		return err
	}
	s.queue.enqueueControl(b, nil)
	return nil
}

// Ping sends a PING using the session's next id of its own parity and
// returns that id so the caller can match the eventual reply.
func (s *Session) Ping() (uint32, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("spdy: session closed")
	}
	id := s.nextPingID.Add(2) - 2
	s.sessionMu.Lock()
	frame := &PingFrame{Version: s.version, ID: id}
	b, err := s.generator.Generate(frame)
	s.sessionMu.Unlock()
	if err != nil {
		return 0, err
	}
	s.queue.enqueueControl(b, nil)
	return id, nil
}

// Write queues a DATA payload for id. The bytes go out lazily, sliced to
// whatever the stream's flow-control window permits each time the write
// queue drains.
func (s *Session) Write(id StreamID, data []byte, fin bool) error {
	if s.closed.Load() {
		return fmt.Errorf("spdy: session closed")
	}
	st, ok := s.streamByID(id)
	if !ok {
		return &StreamException{StreamID: id, Status: InvalidStream, Cause: fmt.Errorf("spdy: no such stream")}
	}
	s.queue.enqueueData(st, data, fin, s.generator, nil)
	return nil
}

// Flush forces a pass over the write queue, used after a WINDOW_UPDATE
// reopens a stream that had stalled a partially-sent DATA frame.
func (s *Session) Flush() { s.queue.flush() }

// GetStreams returns every currently open stream.
func (s *Session) GetStreams() []*Stream {
	var out []*Stream
	s.streams.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Stream))
		return true
	})
	return out
}

// GoAway announces that this endpoint will accept no further streams
// beyond the highest peer id it has already processed, and closes the
// transport once the frame has gone out. If the peer's own GO_AWAY was
// already observed, emission is suppressed and the transport is closed
// directly.
func (s *Session) GoAway(status GoAwayStatus) error {
	if !s.goingAway.CompareAndSwap(false, true) {
		return nil
	}
	if s.rejected.Load() {
		s.closeSession(nil)
		return nil
	}
	last := StreamID(s.lastStreamID.Load())
	s.sessionMu.Lock()
	frame := &GoAwayFrame{Version: s.version, LastGoodStreamID: last, Status: status}
	b, err := s.generator.Generate(frame)
	s.sessionMu.Unlock()
	if err != nil {
		return err
	}
	s.queue.enqueueControl(b, func(error) {
		s.closeSession(nil)
	})
	return nil
}

func (s *Session) streamByID(id StreamID) (*Stream, bool) {
	v, ok := s.streams.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Stream), true
}

func (s *Session) removeStream(id StreamID) {
	v, ok := s.streams.LoadAndDelete(id)
	if !ok {
		return
	}
	s.gate.Inc()
	s.notifyStreamClosed(v.(*Stream))
}

// noteRemoteStream records the highest peer-initiated stream id this
// session has accepted, for GO_AWAY's last-good-stream-id field. A CAS
// loop keeps the value a true maximum even if dispatch ever races.
func (s *Session) noteRemoteStream(id StreamID) {
	for {
		old := s.lastStreamID.Load()
		if uint32(id) <= old || s.lastStreamID.CompareAndSwap(old, uint32(id)) {
			return
		}
	}
}

func (s *Session) closeSession(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.gate.Close()
	s.controller.Close()
	s.parser.Close()
	s.generator.Close()
	s.listenersMu.RLock()
	listeners := append([]SessionListener(nil), s.sessionEvents...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		s.callOnSessionClosed(l, err)
	}
}

func (s *Session) callOnSessionClosed(l SessionListener, err error) {
	defer recoverListenerPanic("SessionListener.OnSessionClosed")
	l.OnSessionClosed(s, err)
}

// OnFrame implements ParserListener, dispatching a decoded inbound frame
// to session- or stream-level handling.
func (s *Session) OnFrame(frame Frame) {
	s.listenersMu.RLock()
	frameListeners := append([]SessionFrameListener(nil), s.sessionFrame...)
	s.listenersMu.RUnlock()
	for _, l := range frameListeners {
		s.callOnSessionFrame(l, frame)
	}

	switch f := frame.(type) {
	case *SynStreamFrame:
		s.onSynStream(f)
	case *SettingsFrame:
		s.onSettings(f)
	case *PingFrame:
		s.onPing(f)
	case *GoAwayFrame:
		s.onGoAway(f)
	case *SynReplyFrame:
		s.dispatchToStream(f.StreamID, f)
	case *HeadersFrame:
		s.dispatchToStream(f.StreamID, f)
	case *WindowUpdateFrame:
		s.dispatchToStream(f.StreamID, f)
		s.queue.flush()
	case *RstStreamFrame:
		s.onRstStream(f)
	case *DataFrame:
		s.onData(f)
	case *NoopFrame:
		// SPDY/2 keepalive; nothing to do.
	}
}

func (s *Session) callOnSessionFrame(l SessionFrameListener, frame Frame) {
	defer recoverListenerPanic("SessionFrameListener.OnSessionFrame")
	l.OnSessionFrame(s, frame)
}

// OnParseError implements ParserListener. A stream-scoped error resets the
// offending stream and the session carries on; a session-scoped error is
// fatal: GO_AWAY goes out with the carried status and the transport is
// closed.
func (s *Session) OnParseError(err error) {
	var streamErr *StreamException
	if errors.As(err, &streamErr) {
		logger.Printf("spdy: stream error: %v", err)
		if streamErr.StreamID != 0 {
			s.Rst(streamErr.StreamID, streamErr.Status)
		}
		return
	}
	var sessErr *SessionException
	if errors.As(err, &sessErr) {
		logger.Printf("spdy: session error: %v", err)
		s.GoAway(sessErr.Status)
		s.closeSession(sessErr)
	}
}

func (s *Session) onSynStream(f *SynStreamFrame) {
	if _, exists := s.streamByID(f.StreamID); exists {
		// The duplicate id is illegitimate; reset the existing stream.
		s.Rst(f.StreamID, ProtocolError)
		return
	}
	if !s.gate.TryDec() {
		s.Rst(f.StreamID, RefusedStream)
		return
	}
	st := newStream(s, f.StreamID, s.version, f.Priority, s.initialWindow.Load())
	s.streams.Store(f.StreamID, st)
	s.noteRemoteStream(f.StreamID)
	s.notifyStreamCreated(st)

	s.listenersMu.RLock()
	acceptors := append([]StreamAcceptor(nil), s.acceptors...)
	s.listenersMu.RUnlock()
	for _, a := range acceptors {
		if l := s.callOnSyn(a, st, f); l != nil {
			st.AddListener(l)
		}
	}

	if f.Flags&ControlFlagFin != 0 {
		st.halfCloseRemote()
	}
	st.notify(f)
}

func (s *Session) callOnSyn(a StreamAcceptor, st *Stream, f *SynStreamFrame) StreamFrameListener {
	defer recoverListenerPanic("StreamAcceptor.OnSyn")
	return a.OnSyn(s, st, f)
}

func (s *Session) onSettings(f *SettingsFrame) {
	for _, setting := range f.Settings {
		switch setting.ID {
		case SettingMaxConcurrentStreams:
			s.gate.setLimit(int32(setting.Value))
		case SettingInitialWindowSize:
			s.initialWindow.Store(int32(setting.Value))
		}
	}
}

func (s *Session) onPing(f *PingFrame) {
	// A PING id of this endpoint's own parity is the peer echoing one this
	// session sent; it has already been reported to the frame listeners.
	// Anything else must be echoed back unchanged (SPDY/3 section 2.6.5).
	mine := f.ID%2 == s.nextPingID.Load()%2
	if mine {
		return
	}
	s.sessionMu.Lock()
	b, err := s.generator.Generate(&PingFrame{Version: s.version, ID: f.ID})
	s.sessionMu.Unlock()
	if err == nil {
		s.queue.enqueueControl(b, nil)
	}
}

func (s *Session) onGoAway(f *GoAwayFrame) {
	s.rejected.Store(true)
	s.listenersMu.RLock()
	listeners := append([]SessionListener(nil), s.sessionEvents...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		s.callOnGoAway(l, f.LastGoodStreamID, f.Status)
	}
}

func (s *Session) callOnGoAway(l SessionListener, lastGoodStreamID StreamID, status GoAwayStatus) {
	defer recoverListenerPanic("SessionListener.OnGoAway")
	l.OnGoAway(s, lastGoodStreamID, status)
}

func (s *Session) onData(f *DataFrame) {
	st, ok := s.streamByID(f.StreamID)
	if !ok {
		s.Rst(f.StreamID, InvalidStream)
		return
	}
	if err := st.deliver(f); err != nil {
		s.reportStreamError(f.StreamID, err)
	}
}

// onRstStream handles an inbound RST_STREAM. Unlike the other per-stream
// frame types, a missing stream here is not itself an error worth
// answering: the peer may be resetting a stream this endpoint has already
// forgotten (for instance because it reset the same stream a moment
// earlier), and echoing another RST_STREAM back would set the two ends
// bouncing resets for an id neither of them tracks anymore.
func (s *Session) onRstStream(f *RstStreamFrame) {
	st, ok := s.streamByID(f.StreamID)
	if !ok {
		return
	}
	if err := st.deliver(f); err != nil {
		s.reportStreamError(f.StreamID, err)
	}
}

func (s *Session) dispatchToStream(id StreamID, frame Frame) {
	st, ok := s.streamByID(id)
	if !ok {
		s.Rst(id, InvalidStream)
		return
	}
	if err := st.deliver(frame); err != nil {
		s.reportStreamError(id, err)
	}
}

func (s *Session) reportStreamError(id StreamID, err error) {
	if streamErr, ok := err.(*StreamException); ok {
		logger.Printf("spdy: stream error: %v", err)
		s.Rst(id, streamErr.Status)
		return
	}
	if sessErr, ok := err.(*SessionException); ok {
		logger.Printf("spdy: session error: %v", err)
		s.GoAway(sessErr.Status)
		s.closeSession(sessErr)
	}
}
