// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package message

import "strings"

// =============================================================================
// NORMALIZED FILES
// =============================================================================

// NormalizedFile is the canonical result of normalizing one uploaded file.
// Exactly one of Block, ExtractedText, or Archive is populated.
type NormalizedFile struct {
	Name string `json:"name"`

	// Block is set for native attachments (images, PDFs).
	Block *ContentBlock `json:"block,omitempty"`

	// ExtractedText is set for text-bearing formats (Word, Excel, plain
	// text, PDF-to-text). PageCount is non-zero only for PDF-to-text.
	ExtractedText string `json:"extracted_text,omitempty"`
	PageCount     int    `json:"page_count,omitempty"`

	// Archive is set for zip/rar/7z bundles.
	Archive *ArchiveBundle `json:"archive,omitempty"`
}

// IsNative reports whether the file normalized to a native attachment.
func (f *NormalizedFile) IsNative() bool { return f.Block != nil }

// TextContent returns the text-bearing content of the file, or "" for
// native attachments.
func (f *NormalizedFile) TextContent() string {
	switch {
	case f.Archive != nil:
		return f.Archive.CombinedText()
	default:
		return f.ExtractedText
	}
}

// ArchiveEntry is one decodable text entry inside an archive.
type ArchiveEntry struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// ArchiveBundle is the flattened result of recursively normalizing an
// archive: a directory listing, every decodable entry's text, any native
// image/PDF attachments found inside, and notes for skipped entries.
type ArchiveBundle struct {
	Listing      string         `json:"listing"`
	Entries      []ArchiveEntry `json:"entries"`
	NativeBlocks []ContentBlock `json:"native_blocks,omitempty"`
	Skipped      []string       `json:"skipped,omitempty"`
}

// CombinedText renders the bundle as one text unit: the directory
// listing followed by each entry's content under a path marker.
func (a *ArchiveBundle) CombinedText() string {
	var sb strings.Builder
	sb.WriteString("=== COMPRESSED FILE STRUCTURE ===\n")
	sb.WriteString(a.Listing)
	for _, note := range a.Skipped {
		sb.WriteString("\n[skipped: ")
		sb.WriteString(note)
		sb.WriteString("]")
	}
	for _, e := range a.Entries {
		sb.WriteString("\n\n=== ")
		sb.WriteString(e.Path)
		sb.WriteString(" ===\n")
		sb.WriteString(e.Text)
	}
	return sb.String()
}
