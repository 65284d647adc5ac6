// Package protocol implements the bracket-delimited command protocol spoken by the wearables
// on the stream transport.
//
// A frame looks like
//
//	[3G*8800000015*0002*LK]
//
// i.e. a protocol tag, the identifier the device reports for itself, the hex length of the
// command section and the command section, a comma separated list headed by the keyword.
package protocol

import "bytes"

const (
	frameOpen  = '['
	frameClose = ']'

	// DefaultReadLimit bounds the residue kept while waiting for a closing bracket.
	DefaultReadLimit = 16 << 10
)

// Extractor accumulates stream bytes of one connection and cuts them into frames.
// It is purely lexical and never fails. Not safe for concurrent use.
type Extractor struct {
	buf       []byte
	limit     int
	discarded int
}

func NewExtractor(limit int) *Extractor {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	return &Extractor{limit: limit}
}

// Feed appends chunk to the residue and returns every complete frame, brackets included,
// in arrival order. Returned slices are owned by the caller.
func (e *Extractor) Feed(chunk []byte) [][]byte {
	e.buf = append(e.buf, chunk...)

	var frames [][]byte
	for {
		start := bytes.IndexByte(e.buf, frameOpen)
		if start < 0 {
			e.buf = e.buf[:0]
			break
		}
		if start > 0 {
			e.buf = e.buf[start:]
		}

		end := bytes.IndexByte(e.buf, frameClose)
		if end < 0 {
			break
		}

		frame := make([]byte, end+1)
		copy(frame, e.buf[:end+1])
		frames = append(frames, frame)
		e.buf = e.buf[end+1:]
	}

	if len(e.buf) > e.limit {
		e.discarded++
		e.buf = e.buf[:0]
	}
	if len(e.buf) == 0 && cap(e.buf) > e.limit {
		e.buf = nil
	}

	return frames
}

// Buffered returns the number of residue bytes waiting for a closing bracket.
func (e *Extractor) Buffered() int { return len(e.buf) }

// Discarded counts the times the residue outgrew the limit and was dropped.
func (e *Extractor) Discarded() int { return e.discarded }
