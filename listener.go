package spdy

// This file defines the package's listener interfaces: a capability set
// rather than one fat callback interface, so a caller implements only the
// notifications it cares about and registers the same value for several
// roles at once via Session.AddListener.

// SessionFrameListener is notified of every frame a Session receives,
// before any session-level handling (stream registration, GO_AWAY
// bookkeeping) runs.
type SessionFrameListener interface {
	OnSessionFrame(s *Session, frame Frame)
}

// StreamAcceptor is consulted when a peer-initiated SYN_STREAM arrives,
// after the new stream has been registered. The returned listener, if
// non-nil, is installed on the stream before the SYN event itself is
// delivered to it.
type StreamAcceptor interface {
	OnSyn(s *Session, stream *Stream, frame *SynStreamFrame) StreamFrameListener
}

// StreamFrameListener is notified of every frame addressed to a particular
// stream, after the Session has resolved it to that Stream.
type StreamFrameListener interface {
	OnStreamFrame(s *Stream, frame Frame)
}

// SessionListener is notified of session lifecycle events that are not
// tied to any single stream.
type SessionListener interface {
	OnGoAway(s *Session, lastGoodStreamID StreamID, status GoAwayStatus)
	OnSessionClosed(s *Session, err error)
}

// StreamLifecycleListener is notified exactly once when a stream enters the
// registry and exactly once when it leaves, regardless of which path into
// StreamClosed the stream actually took (a clean double half-close, or a
// RST_STREAM sent or received).
type StreamLifecycleListener interface {
	OnStreamCreated(s *Session, stream *Stream)
	OnStreamClosed(s *Session, stream *Stream)
}

// ParserListener receives fully decoded frames from a Parser as they
// become available. A Session implements this to drive its own dispatch;
// a caller wanting raw frames without session semantics can implement it
// directly against a bare Parser.
type ParserListener interface {
	OnFrame(frame Frame)
	OnParseError(err error)
}

// Controller is the transport-facing collaborator a Session writes
// through and reports fatal errors to. It abstracts the underlying
// connection so Session has no direct dependency on net.Conn.
type Controller interface {
	// Write sends b to the peer. The session's write queue serializes all
	// calls, so implementations need not be safe for concurrent use.
	Write(b []byte) (int, error)
	// Close tears down the transport after a session-fatal error or a
	// clean shutdown.
	Close() error
}
