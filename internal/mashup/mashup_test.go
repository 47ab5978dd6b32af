package mashup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lczanna/power-query-explorer/internal/errs"
)

const sectionSource = "section Section1;\n" +
	"shared SalesData = let\n" +
	"    Source = Excel.CurrentWorkbook()\n" +
	"in\n" +
	"    Source;"

// innerArchive builds the nested zip holding the module text.
func innerArchive(t *testing.T, source string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<Types><Default Extension="m" ContentType="application/x-ms-m"/></Types>`))
	require.NoError(t, err)
	w, err = zw.Create("Formulas/Section1.m")
	require.NoError(t, err)
	_, err = w.Write([]byte(source))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// envelope wraps an inner archive in the versioned binary envelope plus the
// empty trailing permissions block real producers append.
func envelope(inner []byte) []byte {
	out := make([]byte, 0, len(inner)+12)
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(inner)))
	out = append(out, inner...)
	out = binary.LittleEndian.AppendUint32(out, 0)
	return out
}

func TestResolveBundleEnvelope(t *testing.T) {
	blob := envelope(innerArchive(t, sectionSource))

	mods, err := ResolveBundle(blob)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "Formulas/Section1.m", mods[0].Path)
	assert.Equal(t, sectionSource, mods[0].Source)
}

func TestResolveBundleMalformedEnvelope(t *testing.T) {
	// Length field exceeds the buffer, but the nested-archive signature sits
	// 12 bytes in; the signature scan must still recover the queries.
	inner := innerArchive(t, sectionSource)
	blob := make([]byte, 0, len(inner)+12)
	blob = binary.LittleEndian.AppendUint32(blob, 0)
	blob = binary.LittleEndian.AppendUint32(blob, 0xFFFFFF00)
	blob = append(blob, 0xba, 0xdd, 0xa7, 0xa0)
	blob = append(blob, inner...)

	mods, err := ResolveBundle(blob)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, sectionSource, mods[0].Source)
}

func TestResolveBundleStripsBOM(t *testing.T) {
	blob := envelope(innerArchive(t, "\xef\xbb\xbf"+sectionSource))

	mods, err := ResolveBundle(blob)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, sectionSource, mods[0].Source)
}

func TestResolveBundleNoArchive(t *testing.T) {
	_, err := ResolveBundle([]byte("nothing remotely archive shaped in here"))
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestResolveBundleArchiveWithoutFormulas(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("Config/Package.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<Package/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = ResolveBundle(envelope(buf.Bytes()))
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

// workbook builds an in-memory outer archive from part name to content.
func workbook(t *testing.T, parts map[string][]byte) *zip.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return zr
}

func TestWorkbookCandidatesBinaryPart(t *testing.T) {
	blob := envelope(innerArchive(t, sectionSource))
	zr := workbook(t, map[string][]byte{
		"customXml/item1.bin": blob,
		"xl/workbook.xml":     []byte("<workbook/>"),
	})

	cands, err := WorkbookCandidates(context.Background(), zr)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, blob, cands[0])

	mods, err := ResolveBundle(cands[0])
	require.NoError(t, err)
	assert.Len(t, mods, 1)
}

func TestWorkbookCandidatesBase64Island(t *testing.T) {
	blob := envelope(innerArchive(t, sectionSource))
	encoded := base64.StdEncoding.EncodeToString(blob)
	require.GreaterOrEqual(t, len(encoded), minBase64Run)
	part := []byte(`<DataMashup xmlns="http://schemas.microsoft.com/DataMashup">` +
		encoded + `</DataMashup>`)
	zr := workbook(t, map[string][]byte{
		"customXml/item1.xml": part,
	})

	cands, err := WorkbookCandidates(context.Background(), zr)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	mods, err := ResolveBundle(cands[0])
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, sectionSource, mods[0].Source)
}

func TestWorkbookCandidatesShortRunsIgnored(t *testing.T) {
	zr := workbook(t, map[string][]byte{
		"customXml/item1.xml": []byte("<x>" + strings.Repeat("QUJD", 20) + "</x>"),
	})

	cands, err := WorkbookCandidates(context.Background(), zr)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestConnectionNames(t *testing.T) {
	zr := workbook(t, map[string][]byte{
		"xl/connections.xml": []byte(`<connections>` +
			`<connection id="1" name="Query - SalesData"/>` +
			`<connection id="2" name="ThirdPartyFeed"/>` +
			`</connections>`),
	})

	names := ConnectionNames(zr)
	assert.Equal(t, []string{"SalesData", "ThirdPartyFeed"}, names)
}

func TestConnectionNamesAbsent(t *testing.T) {
	zr := workbook(t, map[string][]byte{"xl/workbook.xml": []byte("<w/>")})
	assert.Nil(t, ConnectionNames(zr))
}
