package spdy

import "strings"

// headerValueSeparator joins repeated values for the same header name
// inside a single wire-format value field.
const headerValueSeparator = "\x00"

// Headers is a case-preserving multi-map of header name to its ordered list
// of values, as carried in SYN_STREAM, SYN_REPLY and HEADERS frames.
type Headers map[string][]string

// Add appends value to the list already stored for name.
func (h Headers) Add(name, value string) {
	h[name] = append(h[name], value)
}

// Set replaces any values stored for name with a single value.
func (h Headers) Set(name, value string) {
	h[name] = []string{value}
}

// Get returns the first value stored for name, or "" if absent.
func (h Headers) Get(name string) string {
	v := h[name]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns every value stored for name, in the order they were added.
func (h Headers) Values(name string) []string {
	return h[name]
}

// isoEncode converts a Go string into its ISO-8859-1 octet representation.
// It is an error (returned as ok == false) for s to contain a rune outside
// the Latin-1 range; no header value legitimately needs one.
func isoEncode(s string) (b []byte, ok bool) {
	b = make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return nil, false
		}
		b = append(b, byte(r))
	}
	return b, true
}

// isoDecode converts a slice of ISO-8859-1 octets into a Go string, mapping
// each octet to the rune of the same numeric value.
func isoDecode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// splitHeaderValue splits a wire-format value on the NUL separator. Per
// SPDY/3 section 2.6.9, an empty split part is a protocol error.
func splitHeaderValue(v string) (parts []string, ok bool) {
	parts = strings.Split(v, headerValueSeparator)
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}
