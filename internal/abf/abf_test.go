package abf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lczanna/power-query-explorer/internal/errs"
	"github.com/lczanna/power-query-explorer/internal/testutil"
)

func TestFindDatabase(t *testing.T) {
	db := []byte("pretend sqlite image")
	img := testutil.BackupImage([]testutil.BackupFile{
		{LogicalPath: "model/stuff.bin", Data: []byte("other")},
		{LogicalPath: "model/metadata.sqlitedb", Data: db},
	}, false)

	offset, size, err := FindDatabase(img)
	require.NoError(t, err)
	assert.Equal(t, db, img[offset:offset+size])
}

func TestFindDatabaseCaseInsensitive(t *testing.T) {
	img := testutil.BackupImage([]testutil.BackupFile{
		{LogicalPath: "Model/METADATA.SQLITEDB", Data: []byte("db")},
	}, false)

	_, size, err := FindDatabase(img)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestFindDatabaseTrailingErrorCode(t *testing.T) {
	// Some producers append a 4-byte error code to the index log; the reader
	// retries with the suffix trimmed.
	db := []byte("database bytes")
	img := testutil.BackupImage([]testutil.BackupFile{
		{LogicalPath: "model/metadata.sqlitedb", Data: db},
	}, true)

	offset, size, err := FindDatabase(img)
	require.NoError(t, err)
	assert.Equal(t, db, img[offset:offset+size])
}

func TestFindDatabaseMissing(t *testing.T) {
	img := testutil.BackupImage([]testutil.BackupFile{
		{LogicalPath: "model/notes.txt", Data: []byte("x")},
	}, false)

	_, _, err := FindDatabase(img)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestReadDirectory(t *testing.T) {
	img := testutil.BackupImage([]testutil.BackupFile{
		{LogicalPath: "a", Data: []byte("aaa")},
		{LogicalPath: "b", Data: []byte("bb")},
	}, false)

	entries, err := ReadDirectory(img)
	require.NoError(t, err)
	// two data files plus the index log entry
	require.Len(t, entries, 3)
	assert.Equal(t, "0.bin", entries[0].Path)
	assert.Equal(t, int64(3), entries[0].Size)
	assert.Equal(t, "1.bin", entries[1].Path)
}

func TestReadDirectoryErrors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "short image", buf: []byte("too short")},
		{name: "garbage header page", buf: make([]byte, 8192)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadDirectory(tc.buf)
			require.Error(t, err)
			assert.True(t, errs.IsNotFound(err))
		})
	}
}
