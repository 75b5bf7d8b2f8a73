package oap

// ParserState is the incremental decode buffer for a connection's read
// loop: Push appends raw bytes from the socket, TryNext and Drain pop
// complete frames as they become available. Partial reads never fail; the
// per-frame caps are still enforced by Decode on every pop.
type ParserState struct {
	buf            []byte
	maxBufferBytes int
}

// NewParserState creates a parser with a soft buffer cap. maxBufferBytes
// bounds how much undecoded data a peer may accumulate before Push starts
// signaling backpressure; <=0 selects 2*MaxFrameBytes, enough for one
// maximal frame plus the next frame's prefix.
func NewParserState(maxBufferBytes int) *ParserState {
	if maxBufferBytes <= 0 {
		maxBufferBytes = 2 * MaxFrameBytes
	}
	return &ParserState{maxBufferBytes: maxBufferBytes}
}

// Push appends chunk to the internal buffer. It returns an error only
// when the buffer would exceed the soft cap — the caller decides whether
// to close the connection or drain first.
func (p *ParserState) Push(chunk []byte) error {
	if len(p.buf)+len(chunk) > p.maxBufferBytes {
		return ErrPayloadOutOfBounds
	}
	p.buf = append(p.buf, chunk...)
	return nil
}

// TryNext pops one complete frame if buffered, or (nil, nil) if more
// bytes are needed.
func (p *ParserState) TryNext() (*Frame, error) {
	f, consumed, err := Decode(p.buf)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	p.buf = p.buf[consumed:]
	return f, nil
}

// Drain pops every complete frame currently buffered.
func (p *ParserState) Drain() ([]*Frame, error) {
	var out []*Frame
	for {
		f, err := p.TryNext()
		if err != nil {
			return out, err
		}
		if f == nil {
			return out, nil
		}
		out = append(out, f)
	}
}

// BufferedLen reports the number of undecoded bytes currently held.
func (p *ParserState) BufferedLen() int { return len(p.buf) }
