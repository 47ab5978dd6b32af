package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/flate"
	"golang.org/x/text/encoding/unicode"
)

// BackupFile is one logical file of a synthesized backup image.
type BackupFile struct {
	// LogicalPath appears in the index log (e.g. "model/metadata.sqlitedb").
	LogicalPath string
	Data        []byte
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func encodeUTF16(s string) []byte {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		panic(err)
	}
	return b
}

// BackupImage lays out files the way a decompressed backup image does: a
// 4096-byte header page with a UTF-16 backup log at byte 72, the file data,
// a UTF-16 index log mapping logical to storage paths, and a UTF-8 virtual
// directory whose last entry is the index log. When trailingErrorCode is
// set, four garbage bytes are appended to the index log, as some producers
// do.
func BackupImage(files []BackupFile, trailingErrorCode bool) []byte {
	const pageSize = 4096

	type placed struct {
		storage string
		offset  int
		size    int
	}

	var image bytes.Buffer
	image.Write(make([]byte, pageSize))

	var entries []placed
	var indexLog bytes.Buffer
	indexLog.WriteString("<BackupLog>")
	for i, f := range files {
		storage := fmt.Sprintf("%d.bin", i)
		entries = append(entries, placed{storage: storage, offset: image.Len(), size: len(f.Data)})
		image.Write(f.Data)
		indexLog.WriteString("<BackupFile><Path>" + f.LogicalPath +
			"</Path><StoragePath>" + storage + "</StoragePath></BackupFile>")
	}
	indexLog.WriteString("</BackupLog>")

	logBytes := encodeUTF16(indexLog.String())
	if trailingErrorCode {
		logBytes = append(logBytes, 0xDE, 0xAD, 0x00, 0x00)
	}
	logOffset := image.Len()
	image.Write(logBytes)

	var dir bytes.Buffer
	dir.WriteString("<VirtualDirectory><BackupFiles>")
	for _, e := range entries {
		fmt.Fprintf(&dir, "<BackupFile><Path>%s</Path><Size>%d</Size><m_cbOffsetHeader>%d</m_cbOffsetHeader></BackupFile>",
			e.storage, e.size, e.offset)
	}
	fmt.Fprintf(&dir, "<BackupFile><Path>BackupLog.xml</Path><Size>%d</Size><m_cbOffsetHeader>%d</m_cbOffsetHeader></BackupFile>",
		len(logBytes), logOffset)
	dir.WriteString("</BackupFiles></VirtualDirectory>")

	dirOffset := image.Len()
	image.Write(dir.Bytes())

	out := image.Bytes()
	header := fmt.Sprintf("<BackupLog><m_cbOffsetHeader>%d</m_cbOffsetHeader><DataSize>%d</DataSize></BackupLog>",
		dirOffset, dir.Len())
	copy(out[72:pageSize], encodeUTF16(header))
	return out
}

// Stream signatures recognized by the frame decoder.
const (
	SignatureSingle = "This backup was created using XPress9 compression."
	SignatureMulti  = "This backup was created using multithreaded XPress9 compression."
)

const signatureBytes = 102

func signature(text string) []byte {
	sig := encodeUTF16(text)
	if len(sig) > signatureBytes {
		sig = sig[:signatureBytes]
	}
	for len(sig) < signatureBytes {
		sig = append(sig, 0)
	}
	return sig
}

// FrameStream wraps raw in a single-threaded framed compression stream,
// split into blockSize chunks compressed against one producer session.
func FrameStream(raw []byte, blockSize int) []byte {
	var out bytes.Buffer
	out.Write(signature(SignatureSingle))

	var window []byte
	for start := 0; start < len(raw) || start == 0; start += blockSize {
		end := start + blockSize
		if end > len(raw) {
			end = len(raw)
		}
		block := raw[start:end]

		var comp bytes.Buffer
		fw, err := flate.NewWriterDict(&comp, flate.DefaultCompression, window)
		if err != nil {
			panic(err)
		}
		if _, err := fw.Write(block); err != nil {
			panic(err)
		}
		if err := fw.Close(); err != nil {
			panic(err)
		}

		window = append(window, block...)
		if len(window) > 32<<10 {
			window = window[len(window)-(32<<10):]
		}

		out.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(block))))
		out.Write(binary.LittleEndian.AppendUint32(nil, uint32(comp.Len())))
		out.Write(comp.Bytes())
		if len(raw) == 0 {
			break
		}
	}
	return out.Bytes()
}
