package model

import (
	"encoding/binary"
	"math/bits"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

// Value-index file layout (little-endian):
//
//	u32 primary segment tag
//	u32 sub segment tag
//	u64 record count
//	u32 minimum dictionary id
//	u32 maximum dictionary id   (bit width derives from the id span)
//	u32 bit-packed entry count
//	u32 primary pair count
//	primary segment: pairs of (u32 value, u32 repeat)
//	sub segment: u64 words, ids packed MSB-first in 64/bitWidth fields
const (
	indexHeaderBytes = 4 + 4 + 8 + 4 + 4 + 4 + 4

	segTagPrimary = 1
	segTagSub     = 2

	// rleSentinel in a primary entry means "take the next repeat ids from
	// the bit-packed stream".
	rleSentinel = 0xFFFFFFFF
)

type indexHeader struct {
	recordCount  uint64
	minDataID    uint32
	bitWidth     uint
	packedCount  uint32
	primaryCount uint32
}

// decodeIndex expands a value-index file into the per-row dictionary ids.
func decodeIndex(buf []byte) ([]uint32, error) {
	hdr, body, err := readIndexHeader(buf)
	if err != nil {
		return nil, err
	}

	primaryBytes := int(hdr.primaryCount) * 8
	if len(body) < primaryBytes {
		return nil, errs.Corrupt("value index", "primary segment truncated", nil)
	}
	primary := body[:primaryBytes]
	packed, err := unpackSub(body[primaryBytes:], hdr)
	if err != nil {
		return nil, err
	}

	// Expand the primary segment: sentinel entries splice bit-packed ids,
	// anything else is a literal repeat run.
	out := make([]uint32, 0, hdr.recordCount)
	cursor := 0
	for i := 0; i < int(hdr.primaryCount); i++ {
		value := binary.LittleEndian.Uint32(primary[i*8:])
		repeat := int(binary.LittleEndian.Uint32(primary[i*8+4:]))
		if value == rleSentinel || uint64(value)+uint64(cursor) == rleSentinel {
			for j := 0; j < repeat && cursor < len(packed); j++ {
				out = append(out, packed[cursor])
				cursor++
			}
			continue
		}
		for j := 0; j < repeat; j++ {
			out = append(out, value)
		}
	}

	// An index with no primary runs is purely bit-packed.
	if hdr.primaryCount == 0 {
		out = append(out, packed...)
	}
	if hdr.recordCount > 0 && uint64(len(out)) > hdr.recordCount {
		out = out[:hdr.recordCount]
	}
	return out, nil
}

func readIndexHeader(buf []byte) (indexHeader, []byte, error) {
	if len(buf) < indexHeaderBytes {
		return indexHeader{}, nil, errs.Corrupt("value index", "header truncated", nil)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != segTagPrimary ||
		binary.LittleEndian.Uint32(buf[4:8]) != segTagSub {
		return indexHeader{}, nil, errs.Unsupported("value index", "unknown segment tags")
	}
	hdr := indexHeader{
		recordCount:  binary.LittleEndian.Uint64(buf[8:16]),
		minDataID:    binary.LittleEndian.Uint32(buf[16:20]),
		packedCount:  binary.LittleEndian.Uint32(buf[24:28]),
		primaryCount: binary.LittleEndian.Uint32(buf[28:32]),
	}
	maxDataID := binary.LittleEndian.Uint32(buf[20:24])
	span := uint32(0)
	if maxDataID > hdr.minDataID {
		span = maxDataID - hdr.minDataID
	}
	hdr.bitWidth = uint(bits.Len32(span))
	if hdr.bitWidth == 0 {
		hdr.bitWidth = 1
	}
	return hdr, buf[indexHeaderBytes:], nil
}

// unpackSub expands the bit-packed sub segment: 64/bitWidth MSB-first fields
// per word, each added to the minimum dictionary id. A single all-zero word
// is a run-length shortcut for packedCount repeats of the minimum id.
func unpackSub(body []byte, hdr indexHeader) ([]uint32, error) {
	if hdr.packedCount == 0 {
		return nil, nil
	}
	perWord := 64 / hdr.bitWidth
	words := len(body) / 8

	if words == 1 && binary.LittleEndian.Uint64(body) == 0 {
		out := make([]uint32, hdr.packedCount)
		for i := range out {
			out[i] = hdr.minDataID
		}
		return out, nil
	}

	need := (int(hdr.packedCount) + int(perWord) - 1) / int(perWord)
	if words < need {
		return nil, errs.Corrupt("value index", "sub segment truncated", nil)
	}

	mask := uint64(1)<<hdr.bitWidth - 1
	out := make([]uint32, 0, hdr.packedCount)
	for w := 0; w < need; w++ {
		word := binary.LittleEndian.Uint64(body[w*8:])
		for f := uint(0); f < perWord && len(out) < int(hdr.packedCount); f++ {
			shift := 64 - hdr.bitWidth*(f+1)
			out = append(out, hdr.minDataID+uint32(word>>shift&mask))
		}
	}
	return out, nil
}
