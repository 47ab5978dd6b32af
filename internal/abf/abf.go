// Package abf reads the virtual-file-system layout of a decompressed
// BI-package data-model image and locates the relational database file
// embedded in it.
//
// The image starts with a fixed 4096-byte page holding a UTF-16 XML backup
// log at byte 72. The log points at a UTF-8 XML virtual directory, a flat
// list of (path, size, offset) entries. The highest-indexed directory entry
// is itself a UTF-16 index log mapping logical paths to storage paths; the
// database image is found by its logical-path suffix and resolved back
// through the directory.
package abf

import (
	"encoding/xml"
	"sort"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

const (
	// headerOffset is where the UTF-16 backup log starts inside the first page.
	headerOffset = 72
	// pageSize is the size of the fixed header page.
	pageSize = 4096

	// DatabaseSuffix identifies the relational database image in the index log.
	DatabaseSuffix = "metadata.sqlitedb"
)

// Entry is one file of the virtual directory.
type Entry struct {
	Path   string `xml:"Path"`
	Size   int64  `xml:"Size"`
	Offset int64  `xml:"m_cbOffsetHeader"`
}

type backupLog struct {
	HeaderOffset int64 `xml:"m_cbOffsetHeader"`
	DataSize     int64 `xml:"DataSize"`
}

type virtualDirectory struct {
	Entries []Entry `xml:"BackupFiles>BackupFile"`
}

type indexLog struct {
	Files []indexEntry `xml:"BackupFile"`
}

type indexEntry struct {
	Path        string `xml:"Path"`
	StoragePath string `xml:"StoragePath"`
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// FindDatabase locates the relational database image inside the decompressed
// buffer and returns its byte range. All misses are NotFound errors; callers
// report them as per-file extraction failures.
func FindDatabase(buf []byte) (offset, size int64, err error) {
	entries, err := ReadDirectory(buf)
	if err != nil {
		return 0, 0, err
	}
	index, err := ReadIndex(buf, entries)
	if err != nil {
		return 0, 0, err
	}

	logicals := make([]string, 0, len(index))
	for logical := range index {
		logicals = append(logicals, logical)
	}
	sort.Strings(logicals)

	storagePath := ""
	for _, logical := range logicals {
		if strings.HasSuffix(strings.ToLower(logical), DatabaseSuffix) {
			storagePath = index[logical]
			break
		}
	}
	if storagePath == "" {
		return 0, 0, errs.NotFound("index log", "no entry with suffix "+DatabaseSuffix)
	}

	for _, e := range entries {
		if e.Path == storagePath {
			if e.Offset < 0 || e.Size < 0 || e.Offset+e.Size > int64(len(buf)) {
				return 0, 0, errs.NotFound("virtual directory", "database entry out of range")
			}
			return e.Offset, e.Size, nil
		}
	}
	return 0, 0, errs.NotFound("virtual directory", "storage path "+storagePath+" not listed")
}

// ReadIndex decodes the index log (the highest-indexed directory entry) into
// the logical-path to storage-path mapping.
func ReadIndex(buf []byte, entries []Entry) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, errs.NotFound("virtual directory", "no entries")
	}
	logText, err := decodeIndexLog(buf, entries[len(entries)-1])
	if err != nil {
		return nil, err
	}
	var idx indexLog
	if err := xml.Unmarshal([]byte(logText), &idx); err != nil {
		return nil, errs.NotFound("index log", "undecodable XML")
	}
	index := make(map[string]string, len(idx.Files))
	for _, f := range idx.Files {
		index[f.Path] = f.StoragePath
	}
	return index, nil
}

// ReadDirectory parses the backup log header and returns the virtual
// directory entries in file order.
func ReadDirectory(buf []byte) ([]Entry, error) {
	if len(buf) < pageSize {
		return nil, errs.NotFound("backup image", "shorter than header page")
	}

	headerText, err := utf16le.NewDecoder().Bytes(buf[headerOffset:pageSize])
	if err != nil {
		return nil, errs.NotFound("backup log", "undecodable header")
	}
	text := strings.Trim(string(headerText), "\x00")

	var log backupLog
	if err := xml.Unmarshal([]byte(text), &log); err != nil {
		return nil, errs.NotFound("backup log", "undecodable XML header")
	}
	if log.HeaderOffset <= 0 || log.DataSize <= 0 || log.HeaderOffset+log.DataSize > int64(len(buf)) {
		return nil, errs.NotFound("backup log", "directory region out of range")
	}

	var dir virtualDirectory
	region := buf[log.HeaderOffset : log.HeaderOffset+log.DataSize]
	if err := xml.Unmarshal(region, &dir); err != nil {
		return nil, errs.NotFound("virtual directory", "undecodable XML")
	}
	return dir.Entries, nil
}

// decodeIndexLog extracts the UTF-16 index log, trimming the optional
// trailing 4-byte error-code suffix some producers append.
func decodeIndexLog(buf []byte, e Entry) (string, error) {
	if e.Offset < 0 || e.Size < 0 || e.Offset+e.Size > int64(len(buf)) {
		return "", errs.NotFound("index log", "entry out of range")
	}
	raw := buf[e.Offset : e.Offset+e.Size]

	text, err := decodeUTF16(raw)
	if err == nil && strings.HasSuffix(strings.TrimSpace(text), ">") {
		return text, nil
	}
	if len(raw) >= 4 {
		if text, err = decodeUTF16(raw[:len(raw)-4]); err == nil {
			return text, nil
		}
	}
	return "", errs.NotFound("index log", "undecodable content")
}

func decodeUTF16(raw []byte) (string, error) {
	b, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return strings.Trim(string(b), "\x00"), nil
}
