// Package spdy implements the core of a SPDY (versions 2 and 3) protocol
// endpoint: the session multiplexer that owns a transport connection, and
// the incremental frame codec that translates between octet streams and
// typed frame events.
//
// The transport itself, TLS/credential negotiation, and HTTP-over-SPDY
// semantics are out of scope; callers feed inbound bytes to a Session and
// supply a Controller to receive outbound bytes.
package spdy
