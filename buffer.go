package spdy

import "errors"

// headerAccumulator is an io.ReadWriter that collects the compressed bytes
// of one header block across however many headerCodec.decode calls it
// takes for all of them to arrive, then is handed to the session's
// inflater as a single contiguous Read source. (The Parser buffers a
// control frame's whole body itself and passes the block to decode in a
// single call.) Unlike a fixed-capacity ring buffer it
// grows to hold an arbitrary amount of pending data, sliding already-read
// bytes off the front so a long-lived accumulator doesn't retain them.
type headerAccumulator struct {
	buf    []byte
	r, w   int
	closed bool
}

var errAccumulatorClosed = errors.New("spdy: header accumulator closed")

// Len returns the number of unread bytes currently held.
func (b *headerAccumulator) Len() int {
	return b.w - b.r
}

// Write appends p, growing the backing array if necessary.
func (b *headerAccumulator) Write(p []byte) (n int, err error) {
	if b.closed {
		return 0, errAccumulatorClosed
	}
	if b.r > 0 && len(p) > cap(b.buf)-b.w {
		copy(b.buf, b.buf[b.r:b.w])
		b.w -= b.r
		b.r = 0
	}
	if need := b.w + len(p) - cap(b.buf); need > 0 {
		grown := make([]byte, cap(b.buf)+need)
		copy(grown, b.buf[:b.w])
		b.buf = grown
	} else if b.buf == nil {
		b.buf = make([]byte, len(p))
	}
	n = copy(b.buf[b.w:cap(b.buf)], p)
	b.w += n
	return n, nil
}

// Read copies bytes out of the accumulator into p.
func (b *headerAccumulator) Read(p []byte) (n int, err error) {
	n = copy(p, b.buf[b.r:b.w])
	b.r += n
	return n, nil
}

// Close marks the accumulator closed; further writes fail.
func (b *headerAccumulator) Close() error {
	b.closed = true
	return nil
}
