// Package xpress decodes the block-framed compressed stream that wraps a
// BI-package data-model image.
//
// The stream starts with a fixed-length UTF-16 signature naming the framing
// mode. Single-threaded streams are a flat run of blocks decoded against one
// shared decoder session. Multi-threaded streams group blocks into thread
// groups; each group was compressed by an independent session, so the decoder
// must start a fresh session per group or the output is corrupt.
package xpress

import (
	"context"
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

const (
	// SignatureBytes is the length of the UTF-16 stream signature.
	SignatureBytes = 102

	// maxBlockBytes caps a single block's declared uncompressed size.
	// Anything larger is a mangled header, not a real block.
	maxBlockBytes = 256 << 20

	multiHeaderBytes = 5 * 8
)

// Decoder is one stateful decompression session. Blocks decoded through the
// same session share history; Reset discards it. A session must not be shared
// across thread groups of a multi-threaded stream.
type Decoder interface {
	// Decompress inflates one block. rawSize is the declared uncompressed
	// size and bounds the output.
	Decompress(src []byte, rawSize int) ([]byte, error)
	// Reset returns the session to its initial state.
	Reset() error
	// Close releases the session. The session must not be used afterwards.
	Close() error
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeStream decompresses a framed stream into a flat buffer using
// sessions obtained from newDecoder. A malformed block truncates the stream
// rather than failing blocks already decoded.
func DecodeStream(ctx context.Context, buf []byte, newDecoder func() Decoder) ([]byte, error) {
	if len(buf) < SignatureBytes {
		return nil, errs.Structural("stream", "shorter than signature", nil)
	}
	sig, err := utf16le.NewDecoder().Bytes(buf[:SignatureBytes])
	if err != nil {
		return nil, errs.Structural("stream", "undecodable signature", err)
	}
	text := strings.Trim(string(sig), "\x00")

	switch {
	case strings.Contains(text, "multithreaded"):
		return decodeGrouped(ctx, buf[SignatureBytes:], newDecoder)
	case strings.Contains(text, "XPress9"):
		return decodeSequential(ctx, buf[SignatureBytes:], newDecoder)
	default:
		return nil, errs.Unsupported("stream", "unknown framing signature")
	}
}

// decodeSequential handles the single-threaded layout: blocks back to back,
// one shared session, stop at buffer end or at a block that fails to advance.
func decodeSequential(ctx context.Context, buf []byte, newDecoder func() Decoder) ([]byte, error) {
	dec := newDecoder()
	defer dec.Close()

	var out []byte
	cursor := 0
	for cursor+8 <= len(buf) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, comp, data, next := readBlock(buf, cursor)
		if next <= cursor {
			break // end of stream, not an error
		}
		if raw == 0 && comp == 0 {
			break
		}
		chunk, err := dec.Decompress(data, int(raw))
		if err != nil {
			// The session history is unreliable past a failed block;
			// truncate rather than risk corrupting later output.
			break
		}
		out = append(out, chunk...)
		cursor = next
	}
	return out, nil
}

// decodeGrouped handles the multi-threaded layout: five u64 counters, then
// prefix thread groups followed by main thread groups. Each group gets a
// fresh session.
func decodeGrouped(ctx context.Context, buf []byte, newDecoder func() Decoder) ([]byte, error) {
	if len(buf) < multiHeaderBytes {
		return nil, errs.Structural("stream", "multithreaded header truncated", nil)
	}
	mainBlocks := binary.LittleEndian.Uint64(buf[0:8])
	prefixBlocks := binary.LittleEndian.Uint64(buf[8:16])
	prefixThreads := binary.LittleEndian.Uint64(buf[16:24])
	mainThreads := binary.LittleEndian.Uint64(buf[24:32])
	_ = binary.LittleEndian.Uint64(buf[32:40]) // chunk size, unused here

	if mainThreads == 0 {
		mainThreads = 1
	}
	if prefixBlocks > 0 && prefixThreads == 0 {
		prefixThreads = 1
	}

	var out []byte
	cursor := multiHeaderBytes

	groups := append(
		splitBlocks(int(prefixBlocks), int(prefixThreads)),
		splitBlocks(int(mainBlocks), int(mainThreads))...)

	for _, count := range groups {
		chunk, next, err := decodeGroup(ctx, buf, cursor, count, newDecoder)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if next <= cursor {
			break
		}
		cursor = next
	}
	return out, nil
}

// decodeGroup decodes count blocks against one fresh session and returns the
// cursor past the last block consumed.
func decodeGroup(ctx context.Context, buf []byte, cursor, count int, newDecoder func() Decoder) ([]byte, int, error) {
	dec := newDecoder()
	defer dec.Close()

	var out []byte
	for i := 0; i < count && cursor+8 <= len(buf); i++ {
		if err := ctx.Err(); err != nil {
			return nil, cursor, err
		}
		raw, comp, data, next := readBlock(buf, cursor)
		if next <= cursor || (raw == 0 && comp == 0) {
			return out, cursor, nil
		}
		chunk, err := dec.Decompress(data, int(raw))
		if err != nil {
			return out, next, nil // skip the rest of this group
		}
		out = append(out, chunk...)
		cursor = next
	}
	return out, cursor, nil
}

// readBlock reads one 8-byte block header and its payload. A header whose
// sizes run past the buffer yields next == cursor, which callers treat as
// end of stream.
func readBlock(buf []byte, cursor int) (raw, comp uint32, data []byte, next int) {
	raw = binary.LittleEndian.Uint32(buf[cursor : cursor+4])
	comp = binary.LittleEndian.Uint32(buf[cursor+4 : cursor+8])
	if raw > maxBlockBytes || comp > maxBlockBytes {
		return raw, comp, nil, cursor
	}
	start := cursor + 8
	end := start + int(comp)
	if end > len(buf) {
		return raw, comp, nil, cursor
	}
	return raw, comp, buf[start:end], end
}

// splitBlocks distributes n blocks across groups as evenly as possible,
// earlier groups taking the remainder.
func splitBlocks(n, groups int) []int {
	if n <= 0 || groups <= 0 {
		return nil
	}
	counts := make([]int, groups)
	base := n / groups
	extra := n % groups
	for i := range counts {
		counts[i] = base
		if i < extra {
			counts[i]++
		}
	}
	return counts
}
