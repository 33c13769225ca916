package spdy

import "fmt"

// RSTStatusCode is a version-independent symbolic status. Its numeric wire
// value differs between SPDY/2 and SPDY/3 and must be looked up through
// rstCodeTable.
type RSTStatusCode int

const (
	ProtocolError RSTStatusCode = iota + 1
	InvalidStream
	RefusedStream
	UnsupportedVersion
	CancelStream
	InternalError
	FlowControlError
	StreamInUse         // SPDY/3 only
	StreamAlreadyClosed // SPDY/3 only
)

// GoAwayStatus is the session-wide status carried by GO_AWAY.
type GoAwayStatus uint32

const (
	GoAwayOK            GoAwayStatus = 0
	GoAwayProtocolError GoAwayStatus = 1
	GoAwayInternalError GoAwayStatus = 2
)

// rstCodeTable maps the symbolic status to its wire value, per version.
// SPDY/2 never defined INTERNAL_ERROR, STREAM_IN_USE or
// STREAM_ALREADY_CLOSED; encoding one of those for a v2 peer is an error.
var rstCodeTable = map[Version]map[RSTStatusCode]uint32{
	Version2: {
		ProtocolError:      1,
		InvalidStream:      2,
		RefusedStream:      3,
		UnsupportedVersion: 4,
		CancelStream:       5,
		FlowControlError:   7,
	},
	Version3: {
		ProtocolError:       1,
		InvalidStream:       2,
		RefusedStream:       3,
		UnsupportedVersion:  4,
		CancelStream:        5,
		InternalError:       6,
		FlowControlError:    7,
		StreamInUse:         8,
		StreamAlreadyClosed: 9,
	},
}

// rstStatusWire looks up the wire value of status for version.
func rstStatusWire(version Version, status RSTStatusCode) (uint32, error) {
	code, ok := rstCodeTable[version][status]
	if !ok {
		return 0, fmt.Errorf("spdy: status %d has no SPDY/%d wire encoding", status, version)
	}
	return code, nil
}

// rstStatusSymbol is the inverse of rstStatusWire: it recovers the symbolic
// status from a wire value received from the peer. Unknown codes are
// reported as InternalError so callers always see one of the known symbols.
func rstStatusSymbol(version Version, wire uint32) RSTStatusCode {
	for sym, code := range rstCodeTable[version] {
		if code == wire {
			return sym
		}
	}
	return InternalError
}

// streamInUseFor narrows STREAM_IN_USE to what the version can put on the
// wire: SPDY/2 never defined it, so a v2 peer sees PROTOCOL_ERROR instead.
func streamInUseFor(v Version) RSTStatusCode {
	if v == Version3 {
		return StreamInUse
	}
	return ProtocolError
}

// streamAlreadyClosedFor narrows STREAM_ALREADY_CLOSED the same way.
func streamAlreadyClosedFor(v Version) RSTStatusCode {
	if v == Version3 {
		return StreamAlreadyClosed
	}
	return ProtocolError
}
