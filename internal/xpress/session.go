package xpress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

// windowBytes is the amount of decoded history carried between blocks of one
// session. Matches the DEFLATE window.
const windowBytes = 32 << 10

// session is the built-in Decoder. Each block is an independent DEFLATE
// stream whose dictionary is the tail of everything the session has decoded
// so far, which reproduces the session semantics of the container codec:
// blocks only decode correctly against the session that saw their
// predecessors, and reusing a session across thread groups yields garbage.
type session struct {
	window []byte
	closed bool
}

// NewDecoder returns a new decoder session in its initial state.
func NewDecoder() Decoder {
	return &session{}
}

func (s *session) Decompress(src []byte, rawSize int) ([]byte, error) {
	if s.closed {
		return nil, errs.Corrupt("session", "use after close", nil)
	}
	if rawSize < 0 || rawSize > maxBlockBytes {
		return nil, errs.Structural("session", "implausible block size", nil)
	}
	fr := flate.NewReaderDict(bytes.NewReader(src), s.window)
	defer fr.Close()

	out := make([]byte, 0, rawSize)
	outBuf := bytes.NewBuffer(out)
	if _, err := io.CopyN(outBuf, fr, int64(rawSize)); err != nil && err != io.EOF {
		return nil, errs.Corrupt("session", "block inflate failed", err)
	}
	chunk := outBuf.Bytes()
	s.extend(chunk)
	return chunk, nil
}

func (s *session) Reset() error {
	s.window = nil
	return nil
}

func (s *session) Close() error {
	s.closed = true
	s.window = nil
	return nil
}

// extend appends decoded output to the carried history, keeping at most
// windowBytes of it.
func (s *session) extend(chunk []byte) {
	s.window = append(s.window, chunk...)
	if len(s.window) > windowBytes {
		s.window = s.window[len(s.window)-windowBytes:]
	}
}
