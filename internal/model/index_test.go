package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/testutil"
)

func TestDecodeIndexMixed(t *testing.T) {
	// Three bit-packed ids spliced by a sentinel run, then a literal run.
	buf := testutil.IndexFile(100,
		[]testutil.IndexRun{
			{Packed: true, Repeat: 3},
			{Value: 7, Repeat: 2},
		},
		[]uint32{100, 101, 102})

	ids, err := decodeIndex(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{100, 101, 102, 7, 7}, ids)
}

func TestDecodeIndexPurePacked(t *testing.T) {
	buf := testutil.IndexFile(10, nil, []uint32{10, 11, 12, 13, 14})

	ids, err := decodeIndex(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 11, 12, 13, 14}, ids)
}

func TestDecodeIndexLiteralRunsOnly(t *testing.T) {
	buf := testutil.IndexFile(5,
		[]testutil.IndexRun{
			{Value: 5, Repeat: 4},
			{Value: 9, Repeat: 1},
		},
		nil)

	ids, err := decodeIndex(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 5, 5, 5, 9}, ids)
}

func TestDecodeIndexWideSpan(t *testing.T) {
	// Ids spanning more than one bit force multi-bit fields across word
	// boundaries.
	var packed []uint32
	for i := uint32(0); i < 100; i++ {
		packed = append(packed, 1000+i*3)
	}
	buf := testutil.IndexFile(1000, nil, packed)

	ids, err := decodeIndex(buf)
	require.NoError(t, err)
	assert.Equal(t, packed, ids)
}

func TestDecodeIndexErrors(t *testing.T) {
	good := testutil.IndexFile(1, nil, []uint32{1, 2})

	tests := []struct {
		name    string
		buf     []byte
		corrupt bool
	}{
		{name: "truncated header", buf: good[:10], corrupt: true},
		{name: "bad segment tags", buf: append([]byte{9, 9, 9, 9}, good[4:]...)},
		{name: "truncated sub segment", buf: good[:len(good)-8], corrupt: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeIndex(tc.buf)
			require.Error(t, err)
			if tc.corrupt {
				assert.True(t, errs.IsCorrupt(err))
			} else {
				assert.True(t, errs.IsUnsupported(err))
			}
		})
	}
}
