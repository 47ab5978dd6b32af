// Package mashup locates and unpacks the embedded query-definition bundle of
// a container: a little-endian envelope (u32 version, u32 length) around a
// nested zip archive whose Formulas/*.m entries hold the query source. When
// the envelope fields are implausible the package falls back to scanning for
// the archive signature, so variant or damaged wrappers still resolve.
package mashup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

const (
	formulasPrefix  = "Formulas/"
	moduleExtension = ".m"

	// zipSignature is the local-file-header magic of the nested archive.
	zipSignature = "PK\x03\x04"
)

// Module is one query-source file recovered from a bundle. Source is the raw
// module text; one module typically declares several shared queries.
type Module struct {
	Path   string
	Source string
}

// ResolveBundle extracts the query-source modules from one candidate byte
// range. Strategies are tried in order: the structured envelope, then a
// forward scan for the nested-archive signature. A candidate that yields no
// modules is NotFound, never a hard failure.
func ResolveBundle(candidate []byte) ([]Module, error) {
	if payload, ok := envelopePayload(candidate); ok {
		if mods, err := readBundle(payload); err == nil && len(mods) > 0 {
			return mods, nil
		}
	}
	at := 0
	for at < len(candidate) {
		i := bytes.Index(candidate[at:], []byte(zipSignature))
		if i < 0 {
			break
		}
		at += i
		if mods, err := readBundle(candidate[at:]); err == nil && len(mods) > 0 {
			return mods, nil
		}
		at += len(zipSignature)
	}
	return nil, errs.NotFound("query bundle", "no parsable nested archive")
}

// envelopePayload validates the envelope header and returns the nested
// archive bytes. Implausible version or length fields reject the envelope.
func envelopePayload(buf []byte) ([]byte, bool) {
	if len(buf) < 8 {
		return nil, false
	}
	if binary.LittleEndian.Uint32(buf) != 0 {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint32(buf[4:]))
	if n <= 0 || 8+n > len(buf) {
		return nil, false
	}
	return buf[8 : 8+n], true
}

// readBundle opens the nested archive and collects its query-source entries.
func readBundle(data []byte) ([]Module, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var mods []Module
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, formulasPrefix) ||
			!strings.HasSuffix(f.Name, moduleExtension) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		src, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		mods = append(mods, Module{Path: f.Name, Source: decodeModuleText(src)})
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Path < mods[j].Path })
	return mods, nil
}

// decodeModuleText strips a leading byte-order mark. Module text is UTF-8,
// some producers prepend a BOM.
func decodeModuleText(src []byte) string {
	src = bytes.TrimPrefix(src, []byte{0xef, 0xbb, 0xbf})
	return string(src)
}

// minBase64Run is the shortest base64 island worth decoding; shorter runs
// are overwhelmingly false positives inside XML attribute soup.
const minBase64Run = 200

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/=]{200,}`)

// WorkbookCandidates discovers candidate bundle byte ranges inside an opened
// workbook archive, in decreasing order of reliability: component binary
// parts first, then base64 islands embedded in auxiliary XML parts.
func WorkbookCandidates(ctx context.Context, r *zip.Reader) ([][]byte, error) {
	var out [][]byte
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok, _ := path.Match("customXml/item*.bin", f.Name); !ok {
			continue
		}
		if data := readEntry(f); data != nil {
			out = append(out, data)
		}
	}
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inCustomXML, _ := path.Match("customXml/*.xml", f.Name)
		inQueryTables, _ := path.Match("xl/queryTables/*.xml", f.Name)
		if !inCustomXML && !inQueryTables {
			continue
		}
		data := readEntry(f)
		if data == nil {
			continue
		}
		for _, run := range base64Run.FindAll(data, -1) {
			if decoded := decodeBase64(run); decoded != nil {
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

func readEntry(f *zip.File) []byte {
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return data
}

func decodeBase64(run []byte) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(string(run)); err == nil {
		return decoded
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(string(run)); err == nil {
		return decoded
	}
	return nil
}

const connectionsPart = "xl/connections.xml"

type connectionList struct {
	Connections []struct {
		Name string `xml:"name,attr"`
	} `xml:"connection"`
}

// ConnectionNames reads the workbook's connections descriptor and returns
// query names only. This is the last-resort discovery path; callers merge it
// at the lowest precedence so a name never shadows recovered source.
func ConnectionNames(r *zip.Reader) []string {
	var data []byte
	for _, f := range r.File {
		if f.Name == connectionsPart {
			data = readEntry(f)
			break
		}
	}
	if data == nil {
		return nil
	}
	var list connectionList
	if err := xml.Unmarshal(data, &list); err != nil {
		return nil
	}
	var names []string
	for _, c := range list.Connections {
		name := strings.TrimPrefix(c.Name, "Query - ")
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
