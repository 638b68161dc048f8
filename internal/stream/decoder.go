// Package stream turns a raw streamed response body into an ordered sequence of
// text fragments.
//
// Bodies are framed by newlines. A Decoder buffers partial frames until the
// delimiter arrives and hands every complete frame to a Codec, which knows the
// backend's wire format (Ollama NDJSON, OpenAI SSE, Anthropic SSE).
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
)

// maxFrameSize bounds a single buffered frame
const maxFrameSize = 1 << 20

// Fragment is one incremental unit of a streamed reply
type Fragment struct {
	Delta string
	Final bool

	// Set by codecs when the wire format carries them, usually on the final fragment
	Model            string
	DoneReason       string
	PromptTokens     int
	CompletionTokens int
}

// ErrDecode is matched by every DecodeError
var ErrDecode = errors.New("decode error")

// DecodeError reports a stream that closed without producing a single well-formed frame
type DecodeError struct {
	Malformed int
	Last      error
}

func (e *DecodeError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("no well-formed frame in stream (%d malformed, last: %v)", e.Malformed, e.Last)
	}
	return "stream closed before any well-formed frame"
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Last
}

// Decoder reads frames from r and yields fragments in arrival order.
// A Decoder is single-use.
type Decoder struct {
	reader *bufio.Reader
	codec  Codec

	wellFormed int
	malformed  int
	lastErr    error

	done    bool
	doneErr error
}

// NewDecoder creates a decoder for the given wire format
func NewDecoder(r io.Reader, codec Codec) *Decoder {
	return &Decoder{
		reader: bufio.NewReader(r),
		codec:  codec,
	}
}

// Next returns the next fragment. It returns io.EOF after the final fragment or
// when the body ends cleanly, a *DecodeError when the body ended without any
// well-formed frame, and any other error from the underlying reader or codec
// unchanged. Once it has returned an error it keeps returning the same error.
func (d *Decoder) Next() (Fragment, error) {
	if d.done {
		return Fragment{}, d.doneErr
	}

	for {
		frame, readErr := d.readFrame()
		if readErr != nil && readErr != io.EOF {
			// the buffered partial frame is dropped
			return Fragment{}, d.finish(readErr)
		}
		if len(frame) > 0 {
			frag, ok, err := d.decodeFrame(frame)
			if err != nil {
				return Fragment{}, d.finish(err)
			}
			if ok {
				if frag.Final {
					d.finish(io.EOF)
				}
				return frag, nil
			}
		}

		if readErr == io.EOF {
			if d.wellFormed == 0 {
				return Fragment{}, d.finish(&DecodeError{Malformed: d.malformed, Last: d.lastErr})
			}
			return Fragment{}, d.finish(io.EOF)
		}
	}
}

// All returns a lazy view of the remaining fragments. Iteration stops after the
// first error; io.EOF is not yielded.
func (d *Decoder) All() iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		for {
			frag, err := d.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Fragment{}, err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// DecodeErrors returns the number of malformed frames skipped so far
func (d *Decoder) DecodeErrors() int {
	return d.malformed
}

// Frames returns the number of well-formed, fragment-bearing frames seen so far
func (d *Decoder) Frames() int {
	return d.wellFormed
}

func (d *Decoder) finish(err error) error {
	d.done = true
	d.doneErr = err
	return err
}

// readFrame returns one newline-terminated frame without its delimiter. At EOF the
// trailing bytes are returned together with io.EOF. A frame longer than
// maxFrameSize is read to its end, discarded and counted as malformed.
func (d *Decoder) readFrame() ([]byte, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if !oversized {
			buf = append(buf, chunk...)
			if len(buf) > maxFrameSize {
				oversized = true
				buf = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if oversized {
			d.malformed++
			d.lastErr = malformed(fmt.Errorf("frame exceeds %d bytes", maxFrameSize))
			return nil, err
		}
		return bytes.TrimSpace(buf), err
	}
}

func (d *Decoder) decodeFrame(frame []byte) (Fragment, bool, error) {
	frag, ok, err := d.codec.DecodeFrame(frame)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			d.malformed++
			d.lastErr = err
			return Fragment{}, false, nil
		}
		return Fragment{}, false, err
	}
	if ok {
		d.wellFormed++
	}
	return frag, ok, nil
}
