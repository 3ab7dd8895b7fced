// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package message

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// COMPOSE TESTS
// =============================================================================

func TestCompose_TextOnly(t *testing.T) {
	blocks, err := Compose("hello", nil)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, TypeText, blocks[0].Type)
	require.Equal(t, "hello", blocks[0].Text)
}

func TestCompose_TrimsFreeText(t *testing.T) {
	blocks, err := Compose("  hi there \n", nil)
	require.NoError(t, err)
	require.Equal(t, "hi there", blocks[0].Text)
}

func TestCompose_SingleImageNoText(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF})
	img, err := NewImageBlock("image/jpeg", data, "photo.jpg")
	require.NoError(t, err)

	blocks, err := Compose("", []*NormalizedFile{{Name: "photo.jpg", Block: &img}})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, TypeImage, blocks[0].Type)
	require.Equal(t, "image/jpeg", blocks[0].Source.MediaType)
}

func TestCompose_EmptyInputsRejected(t *testing.T) {
	_, err := Compose("   ", nil)
	require.ErrorIs(t, err, ErrEmptyContent)
}

func TestCompose_ExtractedTextWrapped(t *testing.T) {
	blocks, err := Compose("see attached", []*NormalizedFile{
		{Name: "notes.docx", ExtractedText: "a < b"},
	})
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Contains(t, blocks[1].Text, "<source>notes.docx</source>")
	require.Contains(t, blocks[1].Text, "a &lt; b")
}

func TestCompose_ArchiveContributesTextThenNatives(t *testing.T) {
	img, err := NewImageBlock("image/png", "aGk=", "logo.png")
	require.NoError(t, err)
	bundle := &ArchiveBundle{
		Listing:      "src/\n  main.go\nlogo.png",
		Entries:      []ArchiveEntry{{Path: "src/main.go", Text: "package main"}},
		NativeBlocks: []ContentBlock{img},
	}

	blocks, err := Compose("", []*NormalizedFile{{Name: "proj.zip", Archive: bundle}})
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, TypeText, blocks[0].Type)
	require.Contains(t, blocks[0].Text, "=== COMPRESSED FILE STRUCTURE ===")
	require.Contains(t, blocks[0].Text, "=== src/main.go ===")
	// Archive content keeps its markers unescaped.
	require.NotContains(t, blocks[0].Text, "&lt;")
	require.Equal(t, TypeImage, blocks[1].Type)
}

func TestCompose_UploadOrderPreserved(t *testing.T) {
	doc := NewDocumentBlock("cGRm", "spec.pdf")
	blocks, err := Compose("intro", []*NormalizedFile{
		{Name: "a.txt", ExtractedText: "first"},
		{Name: "spec.pdf", Block: &doc},
		{Name: "b.txt", ExtractedText: "second"},
	})
	require.NoError(t, err)
	require.Len(t, blocks, 4)
	require.Contains(t, blocks[1].Text, "first")
	require.Equal(t, TypeDocument, blocks[2].Type)
	require.Contains(t, blocks[3].Text, "second")
}

// =============================================================================
// SYSTEM CONTEXT TESTS
// =============================================================================

func TestComposeSystemContext_Empty(t *testing.T) {
	require.Nil(t, ComposeSystemContext(SystemContext{}))
	require.Nil(t, ComposeSystemContext(SystemContext{GlobalDirectives: "   "}))
}

func TestComposeSystemContext_Order(t *testing.T) {
	blocks := ComposeSystemContext(SystemContext{
		GlobalDirectives:      "be terse",
		GlobalCacheContext:    "project background",
		ConversationCacheText: "pinned notes",
	})
	require.Len(t, blocks, 3)
	require.Equal(t, "be terse", blocks[0].Text)
	require.Equal(t, "project background", blocks[1].Text)
	require.Equal(t, "pinned notes", blocks[2].Text)
	for _, b := range blocks {
		require.NotNil(t, b.CacheControl)
		require.Equal(t, CacheEphemeral, b.CacheControl.Type)
	}
}

func TestComposeSystemContext_CachedFilesCollapsed(t *testing.T) {
	img, err := NewImageBlock("image/png", "aGk=", "chart.png")
	require.NoError(t, err)
	blocks := ComposeSystemContext(SystemContext{
		ConversationCachedFiles: []*NormalizedFile{
			{Name: "a.txt", ExtractedText: "alpha"},
			{Name: "chart.png", Block: &img},
			{Name: "b.txt", ExtractedText: "beta"},
		},
	})

	// All text-bearing cached files collapse into one block; the native
	// attachment follows it.
	require.Len(t, blocks, 2)
	require.Equal(t, TypeText, blocks[0].Type)
	require.Contains(t, blocks[0].Text, "File: a.txt\n\nalpha")
	require.Contains(t, blocks[0].Text, "File: b.txt\n\nbeta")
	require.NotNil(t, blocks[0].CacheControl)
	require.Equal(t, TypeImage, blocks[1].Type)
	require.NotNil(t, blocks[1].CacheControl)
}

// =============================================================================
// DISPLAY PROJECTION TESTS
// =============================================================================

func TestToDisplayText(t *testing.T) {
	img, err := NewImageBlock("image/png", "aGk=", "logo.png")
	require.NoError(t, err)
	doc := NewDocumentBlock("cGRm", "")

	out := ToDisplayText([]ContentBlock{NewTextBlock("hello"), img, doc})
	require.Equal(t, "hello\n[Image: logo.png]\n[PDF Document]", out)
}

func TestAttachmentSummary(t *testing.T) {
	require.Empty(t, AttachmentSummary(nil))
	got := AttachmentSummary([]*NormalizedFile{{Name: "a.txt"}, {Name: "b.zip"}})
	require.Equal(t, "Attached files:\n- a.txt\n- b.zip", got)
}

// =============================================================================
// WIRE PROJECTION TESTS
// =============================================================================

func TestForWire_StripsMetadata(t *testing.T) {
	img, err := NewImageBlock("image/webp", "aGk=", "pic.webp")
	require.NoError(t, err)
	cached := NewCacheableTextBlock("pinned")

	wire := ForWire([]ContentBlock{img, cached}, false)
	require.Empty(t, wire[0].FileName)
	require.Nil(t, wire[1].CacheControl)
	// Source payload survives intact.
	require.Equal(t, "aGk=", wire[0].Source.Data)

	system := ForWire([]ContentBlock{cached}, true)
	require.NotNil(t, system[0].CacheControl)
}

func TestForWire_DoesNotMutateInput(t *testing.T) {
	img, err := NewImageBlock("image/png", "aGk=", "keep.png")
	require.NoError(t, err)
	in := []ContentBlock{img}
	_ = ForWire(in, false)
	require.Equal(t, "keep.png", in[0].FileName)
}

func TestContentBlock_Validate(t *testing.T) {
	cases := []struct {
		name  string
		block ContentBlock
		ok    bool
	}{
		{"text", NewTextBlock("hi"), true},
		{"pdf", NewDocumentBlock("cGRm", "x.pdf"), true},
		{"bad type", ContentBlock{Type: "video"}, false},
		{"image no source", ContentBlock{Type: TypeImage}, false},
		{"bad media", ContentBlock{Type: TypeImage, Source: &Source{Type: SourceBase64, MediaType: "image/tiff"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.block.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestArchiveBundle_CombinedTextSkipNotes(t *testing.T) {
	b := &ArchiveBundle{
		Listing: "bin/tool",
		Skipped: []string{"bin/tool (binary content)"},
	}
	text := b.CombinedText()
	require.True(t, strings.Contains(text, "[skipped: bin/tool (binary content)]"))
}
