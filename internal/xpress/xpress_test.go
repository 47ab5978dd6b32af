package xpress

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

const (
	sigSingle = "This backup was created using XPress9 compression."
	sigMulti  = "This backup was created using multithreaded XPress9 compression."
)

func signature(t *testing.T, text string) []byte {
	t.Helper()
	enc, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(text))
	require.NoError(t, err)
	if len(enc) > SignatureBytes {
		enc = enc[:SignatureBytes]
	}
	for len(enc) < SignatureBytes {
		enc = append(enc, 0)
	}
	return enc
}

// groupWriter compresses blocks the way one producer session would: each
// block is a DEFLATE stream over the tail of everything written so far.
type groupWriter struct {
	window []byte
}

func (g *groupWriter) block(t *testing.T, raw []byte) []byte {
	t.Helper()
	var comp bytes.Buffer
	fw, err := flate.NewWriterDict(&comp, flate.DefaultCompression, g.window)
	require.NoError(t, err)
	_, err = fw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	g.window = append(g.window, raw...)
	if len(g.window) > windowBytes {
		g.window = g.window[len(g.window)-windowBytes:]
	}

	var out bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(comp.Len()))
	out.Write(hdr[:])
	out.Write(comp.Bytes())
	return out.Bytes()
}

func TestDecodeStreamSequential(t *testing.T) {
	blocks := [][]byte{
		bytes.Repeat([]byte("order data "), 100),
		bytes.Repeat([]byte("order data "), 90), // overlaps the session window
		[]byte("tail"),
	}

	var stream bytes.Buffer
	stream.Write(signature(t, sigSingle))
	gw := &groupWriter{}
	var want []byte
	for _, b := range blocks {
		stream.Write(gw.block(t, b))
		want = append(want, b...)
	}

	got, err := DecodeStream(context.Background(), stream.Bytes(), NewDecoder)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeStreamSequentialTruncatedBlock(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(signature(t, sigSingle))
	gw := &groupWriter{}
	first := []byte("intact block payload")
	stream.Write(gw.block(t, first))

	// A header promising more bytes than remain must truncate, not fail.
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 4096)
	binary.LittleEndian.PutUint32(hdr[4:8], 4096)
	stream.Write(hdr[:])
	stream.Write([]byte{0x01, 0x02})

	got, err := DecodeStream(context.Background(), stream.Bytes(), NewDecoder)
	require.NoError(t, err)
	require.Equal(t, first, got)
}

func TestDecodeStreamMultithreaded(t *testing.T) {
	// One prefix thread with one block, two main threads with two blocks
	// each. Every group is compressed by its own producer session, so a
	// decoder that reuses a session across groups cannot reproduce this.
	prefix := [][]byte{[]byte("prefix header block")}
	mainA := [][]byte{
		bytes.Repeat([]byte("alpha "), 50),
		bytes.Repeat([]byte("alpha "), 40),
	}
	mainB := [][]byte{
		bytes.Repeat([]byte("beta "), 50),
		bytes.Repeat([]byte("beta "), 40),
	}

	var body bytes.Buffer
	var want []byte
	for _, group := range [][][]byte{prefix, mainA, mainB} {
		gw := &groupWriter{}
		for _, b := range group {
			body.Write(gw.block(t, b))
			want = append(want, b...)
		}
	}

	var stream bytes.Buffer
	stream.Write(signature(t, sigMulti))
	var hdr [40]byte
	binary.LittleEndian.PutUint64(hdr[0:8], 4)  // main blocks
	binary.LittleEndian.PutUint64(hdr[8:16], 1) // prefix blocks
	binary.LittleEndian.PutUint64(hdr[16:24], 1)
	binary.LittleEndian.PutUint64(hdr[24:32], 2)
	binary.LittleEndian.PutUint64(hdr[32:40], 1<<20) // chunk size, unused
	stream.Write(hdr[:])
	stream.Write(body.Bytes())

	got, err := DecodeStream(context.Background(), stream.Bytes(), NewDecoder)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeStreamUnknownSignature(t *testing.T) {
	buf := signature(t, "some entirely different stream format")
	_, err := DecodeStream(context.Background(), buf, NewDecoder)
	require.Error(t, err)
}

func TestDecodeStreamCancelled(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(signature(t, sigSingle))
	gw := &groupWriter{}
	stream.Write(gw.block(t, []byte("payload")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DecodeStream(ctx, stream.Bytes(), NewDecoder)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionReset(t *testing.T) {
	gw := &groupWriter{}
	b1 := gw.block(t, bytes.Repeat([]byte("window seed "), 40))

	fresh := &groupWriter{}
	b2 := fresh.block(t, []byte("independent block"))

	dec := NewDecoder()
	defer dec.Close()

	_, err := dec.Decompress(b1[8:], int(binary.LittleEndian.Uint32(b1[0:4])))
	require.NoError(t, err)

	// Without a reset the second block would be inflated against the wrong
	// history; after Reset it decodes as if the session were new.
	require.NoError(t, dec.Reset())
	got, err := dec.Decompress(b2[8:], int(binary.LittleEndian.Uint32(b2[0:4])))
	require.NoError(t, err)
	require.Equal(t, []byte("independent block"), got)
}

func TestSplitBlocks(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		groups int
		want   []int
	}{
		{"even split", 4, 2, []int{2, 2}},
		{"remainder to earlier groups", 5, 2, []int{3, 2}},
		{"more groups than blocks", 2, 4, []int{1, 1, 0, 0}},
		{"no blocks", 0, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, splitBlocks(tt.n, tt.groups))
		})
	}
}
