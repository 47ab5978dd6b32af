package sqlite

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/testutil"
)

func TestTableValues(t *testing.T) {
	img, err := testutil.SQLiteImage(4096, []testutil.TableData{
		{Name: "t", Rows: [][]any{
			{int64(1), "hello", 3.5, nil, []byte{0xab}},
			{int64(-7), "", int64(0), int64(1), int64(300)},
		}},
	})
	require.NoError(t, err)

	db, err := Open(img)
	require.NoError(t, err)
	rows, err := db.Table(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	r := rows[0]
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, int64(1), r.Values[0].Int)
	assert.Equal(t, "hello", r.Values[1].Text)
	assert.Equal(t, 3.5, r.Values[2].Float)
	assert.True(t, r.Values[3].IsNull())
	assert.Equal(t, []byte{0xab}, r.Values[4].Blob)

	r = rows[1]
	assert.Equal(t, int64(-7), r.Values[0].Int)
	assert.Equal(t, int64(0), r.Values[2].Int)
	assert.Equal(t, int64(1), r.Values[3].Int)
	assert.Equal(t, int64(300), r.Values[4].Int)
}

func TestTableInteriorPages(t *testing.T) {
	// Enough rows on a small page size to force leaf splits and an interior
	// root; order must follow the b-tree left to right.
	var rows [][]any
	for i := 0; i < 200; i++ {
		rows = append(rows, []any{int64(i), strings.Repeat("x", 20)})
	}
	img, err := testutil.SQLiteImage(512, []testutil.TableData{{Name: "big", Rows: rows}})
	require.NoError(t, err)

	db, err := Open(img)
	require.NoError(t, err)
	got, err := db.Table(context.Background(), "big")
	require.NoError(t, err)
	require.Len(t, got, 200)
	for i, r := range got {
		assert.Equal(t, int64(i), r.Values[0].Int)
	}
}

func TestTableOverflowPayload(t *testing.T) {
	// Hand-built two-page table where the single cell's payload spills onto
	// one overflow page. Page size 512, usable 512: the local share is 92
	// bytes and the overflow page carries the remaining 508.
	const pageSize = 512
	img := make([]byte, pageSize*3)

	text := strings.Repeat("v", 597)
	payload := append([]byte{0x03, 0x89, 0x37}, []byte(text)...) // header + serial 13+2*597
	require.Len(t, payload, 600)

	// Page 1: master row pointing "t" at page 2. The builder roots a single
	// table at page 2, so its master page serves unchanged.
	seed, err := testutil.SQLiteImage(pageSize, []testutil.TableData{{Name: "t", Rows: nil}})
	require.NoError(t, err)
	copy(img, seed[:pageSize])

	// Page 2: leaf with one spilled cell.
	leaf := img[pageSize : 2*pageSize]
	leaf[0] = 0x0d
	binary.BigEndian.PutUint16(leaf[3:], 1)
	cell := []byte{0x84, 0x58, 0x01} // payload size 600, rowid 1
	cell = append(cell, payload[:92]...)
	cell = append(cell, binary.BigEndian.AppendUint32(nil, 3)...)
	content := pageSize - len(cell)
	copy(leaf[content:], cell)
	binary.BigEndian.PutUint16(leaf[8:], uint16(content))
	binary.BigEndian.PutUint16(leaf[5:], uint16(content))

	// Page 3: terminal overflow page.
	over := img[2*pageSize:]
	copy(over[4:], payload[92:])

	db, err := Open(img)
	require.NoError(t, err)
	rows, err := db.Table(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, text, rows[0].Values[0].Text)
}

func TestTableMissing(t *testing.T) {
	img, err := testutil.SQLiteImage(4096, []testutil.TableData{
		{Name: "present", Rows: [][]any{{int64(1)}}},
	})
	require.NoError(t, err)

	db, err := Open(img)
	require.NoError(t, err)
	_, err = db.Table(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestTableCorruptCellDropped(t *testing.T) {
	img, err := testutil.SQLiteImage(4096, []testutil.TableData{
		{Name: "t", Rows: [][]any{{int64(1)}, {int64(2)}}},
	})
	require.NoError(t, err)

	db, err := Open(img)
	require.NoError(t, err)
	rows, err := db.Table(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Point the second cell pointer past the page end; only that row drops.
	leaf := img[4096:]
	binary.BigEndian.PutUint16(leaf[8+2:], 0xfff0)
	rows, err = db.Table(context.Background(), "t")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "short", buf: []byte("SQLite format 3\x00")},
		{name: "bad magic", buf: make([]byte, 4096)},
		{name: "bad page size", buf: func() []byte {
			b := make([]byte, 4096)
			copy(b, "SQLite format 3\x00")
			binary.BigEndian.PutUint16(b[16:], 777)
			return b
		}()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(tc.buf)
			require.Error(t, err)
			assert.True(t, errs.IsStructural(err))
		})
	}
}

func TestTableCancelled(t *testing.T) {
	img, err := testutil.SQLiteImage(4096, []testutil.TableData{
		{Name: "t", Rows: [][]any{{int64(1)}}},
	})
	require.NoError(t, err)

	db, err := Open(img)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = db.Table(ctx, "t")
	assert.ErrorIs(t, err, context.Canceled)
}
