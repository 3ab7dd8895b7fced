// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package normalize

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/message"
)

// =============================================================================
// DISPATCH TESTS
// =============================================================================

func TestNormalize_ImageRoundTrip(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x01}
	nf, err := Normalize(File{Name: "pic.png", MIMEType: "image/png", Data: raw}, Options{})
	require.NoError(t, err)
	require.NotNil(t, nf.Block)
	require.Equal(t, message.TypeImage, nf.Block.Type)
	require.Equal(t, "image/png", nf.Block.Source.MediaType)
	require.Equal(t, "pic.png", nf.Block.FileName)

	decoded, err := base64.StdEncoding.DecodeString(nf.Block.Source.Data)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestNormalize_ExtensionOverridesGenericMIME(t *testing.T) {
	nf, err := Normalize(File{
		Name:     "scan.pdf",
		MIMEType: "application/octet-stream",
		Data:     []byte("%PDF-1.4 fake"),
	}, Options{})
	require.NoError(t, err)
	require.NotNil(t, nf.Block)
	require.Equal(t, message.TypeDocument, nf.Block.Type)
	require.Equal(t, message.PDFMediaType, nf.Block.Source.MediaType)
}

func TestNormalize_UnrecognizedReturnsNil(t *testing.T) {
	nf, err := Normalize(File{Name: "notes.txt", MIMEType: "text/plain", Data: []byte("hi")}, Options{})
	require.NoError(t, err)
	require.Nil(t, nf)
}

func TestFallback(t *testing.T) {
	nf, err := Fallback(File{Name: "notes.txt", Data: []byte("  plain text  ")})
	require.NoError(t, err)
	require.Equal(t, "plain text", nf.ExtractedText)

	_, err = Fallback(File{Name: "void.txt", Data: []byte("   \n ")})
	var fe *FileError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "void.txt", fe.Name)
	require.ErrorIs(t, err, ErrFileEmpty)
}

// =============================================================================
// TEXT DECODING TESTS
// =============================================================================

func TestDecodeText_Latin1Fallback(t *testing.T) {
	// 0xE9 alone is invalid UTF-8 but is 'é' in Latin-1.
	got := DecodeText([]byte{'c', 'a', 'f', 0xE9})
	require.Equal(t, "café", got)
}

func TestLooksBinary(t *testing.T) {
	require.False(t, looksBinary([]byte("package main\n\nfunc main() {}\n")))
	require.False(t, looksBinary(nil))
	require.False(t, looksBinary([]byte("héllo wörld — utf8 \xc3\xa9")))

	// Dense low-control-byte content reads as binary.
	bin := make([]byte, 1024)
	for i := range bin {
		bin[i] = byte(i % 32)
	}
	require.True(t, looksBinary(bin))
}

// =============================================================================
// PATH HANDLING TESTS
// =============================================================================

func TestIsJunkPath(t *testing.T) {
	for _, p := range []string{
		"__MACOSX/foo.txt",
		"dir/.DS_Store",
		"dir/._resource",
		"Thumbs.db",
		"a\\desktop.ini",
	} {
		require.True(t, isJunkPath(p), p)
	}
	require.False(t, isJunkPath("src/main.go"))
	require.False(t, isJunkPath("docs/readme.md"))
}

func TestSanitizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"src/main.go", "src/main.go"},
		{`dir\sub\file.txt`, "dir/sub/file.txt"},
		{"bad:na*me?.txt", "badname.txt"},
		{"  spaced   name .txt ", "spaced name .txt"},
		{"../../etc/passwd", "etc/passwd"},
		{"./a//b", "a/b"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, sanitizePath(tc.in), tc.in)
	}
}

func TestRenderTree(t *testing.T) {
	out := renderTree([]string{"src/main.go", "src/util/str.go", "README.md"})
	require.Equal(t, "README.md\nsrc/\n  main.go\n  util/\n    str.go", out)
}

// =============================================================================
// ARCHIVE TESTS
// =============================================================================

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNormalize_ZipArchive(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	bin := make([]byte, 512)
	archive := buildZip(t, map[string][]byte{
		"src/main.go":        []byte("package main"),
		"assets/logo.png":    png,
		"__MACOSX/._main.go": []byte("junk"),
		".DS_Store":          []byte("junk"),
		"bin/tool":           bin,
	})

	nf, err := Normalize(File{Name: "proj.zip", MIMEType: "application/zip", Data: archive}, Options{})
	require.NoError(t, err)
	require.NotNil(t, nf.Archive)

	b := nf.Archive
	require.Len(t, b.Entries, 1)
	require.Equal(t, "src/main.go", b.Entries[0].Path)
	require.Equal(t, "package main", b.Entries[0].Text)

	require.Len(t, b.NativeBlocks, 1)
	require.Equal(t, message.TypeImage, b.NativeBlocks[0].Type)
	require.Equal(t, "assets/logo.png", b.NativeBlocks[0].FileName)

	require.Len(t, b.Skipped, 1)
	require.Contains(t, b.Skipped[0], "bin/tool")

	require.NotContains(t, b.Listing, "DS_Store")
	require.NotContains(t, b.Listing, "__MACOSX")
	require.NotContains(t, b.Listing, "bin/tool")

	text := b.CombinedText()
	require.Contains(t, text, "=== COMPRESSED FILE STRUCTURE ===")
	require.Contains(t, text, "=== src/main.go ===\npackage main")
}

func TestNormalize_NestedZip(t *testing.T) {
	inner := buildZip(t, map[string][]byte{"deep.txt": []byte("inner text")})
	outer := buildZip(t, map[string][]byte{
		"top.txt":   []byte("outer text"),
		"inner.zip": inner,
	})

	nf, err := Normalize(File{Name: "nested.zip", MIMEType: "application/zip", Data: outer}, Options{})
	require.NoError(t, err)
	require.NotNil(t, nf.Archive)

	byPath := map[string]string{}
	for _, e := range nf.Archive.Entries {
		byPath[e.Path] = e.Text
	}
	require.Equal(t, "outer text", byPath["top.txt"])
	require.Equal(t, "inner text", byPath["inner.zip/deep.txt"])
}

func TestNormalize_EveryEntryAppearsOnce(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("beta"),
		"c.txt": []byte("gamma"),
	})
	nf, err := Normalize(File{Name: "x.zip", MIMEType: "application/zip", Data: archive}, Options{})
	require.NoError(t, err)

	text := nf.Archive.CombinedText()
	for _, want := range []string{"=== a.txt ===", "=== b.txt ===", "=== c.txt ==="} {
		require.Equal(t, 1, bytes.Count([]byte(text), []byte(want)))
	}
}

// =============================================================================
// OFFICE EXTRACTION TESTS
// =============================================================================

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	return buildZip(t, map[string][]byte{
		"word/document.xml": []byte(body),
		"[Content_Types].xml": []byte(`<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`),
	})
}

func TestExtractDocxText(t *testing.T) {
	doc := buildDocx(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t> world</w:t></w:r></w:p>
<w:p><w:r><w:t>Second paragraph</w:t></w:r></w:p>
</w:body>
</w:document>`)

	nf, err := Normalize(File{Name: "memo.docx", Data: doc}, Options{})
	require.NoError(t, err)
	require.Equal(t, "Hello world\nSecond paragraph", nf.ExtractedText)
}
