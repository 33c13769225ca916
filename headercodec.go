package spdy

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// headerCodec compresses and decompresses the header name/value block
// carried by SYN_STREAM, SYN_REPLY and HEADERS frames. SPDY primes both
// directions with the version's preset dictionary and relies on
// Z_SYNC_FLUSH (not a new stream per frame) to keep compression context
// across frames, so a session owns exactly one deflate stream and one
// inflate stream for its lifetime.
type headerCodec struct {
	version Version
	dict    []byte

	deflateBuf bytes.Buffer
	deflater   *zlib.Writer

	acc      headerAccumulator
	inflater io.ReadCloser
}

// newHeaderCodec builds a codec for one session in the given version. The
// inflater is constructed lazily on first use of decode, since
// zlib.NewReaderDict needs an initial read from its source and the
// accumulator starts out empty.
func newHeaderCodec(version Version) *headerCodec {
	c := &headerCodec{version: version, dict: headerDictionary(version)}
	c.deflater, _ = zlib.NewWriterLevelDict(&c.deflateBuf, zlib.DefaultCompression, c.dict)
	return c
}

// close releases the codec's zlib state and its accumulation buffer.
func (c *headerCodec) close() error {
	c.acc.Close()
	if c.inflater != nil {
		c.inflater.Close()
	}
	return c.deflater.Close()
}

// encode serializes h as a compressed header block. The returned bytes are
// the compressed payload only; the caller is responsible for the frame's
// other fields.
func (c *headerCodec) encode(h Headers) ([]byte, error) {
	var raw bytes.Buffer
	if err := writeHeaderBlock(&raw, c.version, h); err != nil {
		return nil, err
	}

	c.deflateBuf.Reset()
	if _, err := c.deflater.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("spdy: compressing header block: %w", err)
	}
	if err := c.deflater.Flush(); err != nil {
		return nil, fmt.Errorf("spdy: flushing header compressor: %w", err)
	}

	out := make([]byte, c.deflateBuf.Len())
	copy(out, c.deflateBuf.Bytes())
	return out, nil
}

// decode accumulates a compressed header block's bytes across however many
// calls it takes for all of them to arrive (compressed is the slice newly
// read off the wire, not the whole block), and returns the decoded Headers
// once the accumulator has held length bytes of compressed data. Until
// then it returns ok == false and the caller must call decode again with
// the next fragment.
//
// The block is accumulated whole and inflated once, rather than streaming
// each fragment straight into the inflater: SYNC_FLUSH does not reliably
// mark the end of a deflate block the way Z_FINISH would, so inflating a
// partial block can silently succeed and desynchronize the shared
// compression context for every later frame.
func (c *headerCodec) decode(compressed []byte, length int) (h Headers, ok bool, err error) {
	if _, werr := c.acc.Write(compressed); werr != nil {
		return nil, false, fmt.Errorf("spdy: accumulating header block: %w", werr)
	}
	if c.acc.Len() < length {
		return nil, false, nil
	}

	if c.inflater == nil {
		r, ierr := zlib.NewReaderDict(&c.acc, c.dict)
		if ierr != nil {
			return nil, false, &SessionException{Status: GoAwayProtocolError, Cause: fmt.Errorf("spdy: opening header decompressor: %w", ierr)}
		}
		c.inflater = r
	}

	// The block is read structurally, field by field, straight off the
	// inflater. SYNC_FLUSH means there is no end-of-stream marker to read
	// toward: the pair count and the length prefixes say exactly how many
	// inflated bytes this block holds, and reading one byte past them
	// would eat into the next frame's compressed data.
	headers, perr := parseHeaderBlock(c.inflater, c.version)
	if perr != nil {
		var se *StreamException
		if errors.As(perr, &se) {
			return nil, false, perr
		}
		// An inflate failure mid-block desynchronizes the shared
		// compression context for every later frame.
		return nil, false, &SessionException{Status: GoAwayProtocolError, Cause: fmt.Errorf("spdy: inflating header block: %w", perr)}
	}
	return headers, true, nil
}

// writeHeaderBlock writes h to w in the uncompressed wire format that is
// then fed to the deflater: a count of pairs, followed by each name and
// value as a length-prefixed ISO-8859-1 string, values NUL-joining any
// repeats of the same name.
func writeHeaderBlock(w *bytes.Buffer, version Version, h Headers) error {
	width := 4
	if version == Version2 {
		width = 2
	}

	putLen := func(n int) {
		if width == 2 {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(n))
			w.Write(b[:])
		} else {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(n))
			w.Write(b[:])
		}
	}

	putLen(len(h))
	for name, values := range h {
		if len(values) == 0 {
			return fmt.Errorf("spdy: header %q has no values", name)
		}
		nameBytes, ok := isoEncode(name)
		if !ok {
			return fmt.Errorf("spdy: header name %q is not representable in ISO-8859-1", name)
		}
		putLen(len(nameBytes))
		w.Write(nameBytes)

		joined := joinHeaderValues(values)
		valueBytes, ok := isoEncode(joined)
		if !ok {
			return fmt.Errorf("spdy: header value for %q is not representable in ISO-8859-1", name)
		}
		putLen(len(valueBytes))
		w.Write(valueBytes)
	}
	return nil
}

func joinHeaderValues(values []string) string {
	out := values[0]
	for _, v := range values[1:] {
		out += headerValueSeparator + v
	}
	return out
}

// parseHeaderBlock is the inverse of writeHeaderBlock, applied to the
// inflater's output stream. A semantically malformed block (a duplicate
// name, a zero-length name or value, an empty split part) is a
// stream-level protocol error; a read failure is returned raw, for the
// caller to treat as a compression-context failure.
func parseHeaderBlock(r io.Reader, version Version) (Headers, error) {
	width := 4
	if version == Version2 {
		width = 2
	}

	readLen := func() (int, error) {
		if width == 2 {
			var b [2]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return 0, err
			}
			return int(binary.BigEndian.Uint16(b[:])), nil
		}
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint32(b[:])), nil
	}

	readString := func(n int) (string, error) {
		if n > MaxFrameLength {
			return "", &StreamException{Status: ProtocolError, Cause: fmt.Errorf("spdy: header string of %d bytes", n)}
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return isoDecode(b), nil
	}

	count, err := readLen()
	if err != nil {
		return nil, fmt.Errorf("spdy: reading header block count: %w", err)
	}

	// The count is peer-controlled; the map grows as pairs actually
	// arrive rather than pre-sizing to a hostile value.
	h := make(Headers)
	for i := 0; i < count; i++ {
		nameLen, err := readLen()
		if err != nil {
			return nil, fmt.Errorf("spdy: reading header name length: %w", err)
		}
		if nameLen == 0 {
			return nil, &StreamException{Status: ProtocolError, Cause: fmt.Errorf("spdy: zero-length header name")}
		}
		name, err := readString(nameLen)
		if err != nil {
			return nil, fmt.Errorf("spdy: reading header name: %w", err)
		}
		if _, dup := h[name]; dup {
			return nil, &StreamException{Status: ProtocolError, Cause: fmt.Errorf("spdy: duplicate header name %q", name)}
		}

		valueLen, err := readLen()
		if err != nil {
			return nil, fmt.Errorf("spdy: reading header value length: %w", err)
		}
		if valueLen == 0 {
			return nil, &StreamException{Status: ProtocolError, Cause: fmt.Errorf("spdy: zero-length value for header %q", name)}
		}
		value, err := readString(valueLen)
		if err != nil {
			return nil, fmt.Errorf("spdy: reading header value: %w", err)
		}

		parts, ok := splitHeaderValue(value)
		if !ok {
			return nil, &StreamException{Status: ProtocolError, Cause: fmt.Errorf("spdy: empty value part for header %q", name)}
		}
		h[name] = parts
	}
	return h, nil
}
