// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package message

import (
	"strings"
)

// =============================================================================
// MESSAGE COMPOSITION
// =============================================================================

// SystemContext holds the pinned-context sources assembled fresh for each
// outbound request: global directives and cache context from the config
// store, plus the per-conversation cache.
type SystemContext struct {
	GlobalDirectives        string
	GlobalCacheContext      string
	ConversationCacheText   string
	ConversationCachedFiles []*NormalizedFile
}

// Compose merges user free text with normalized files into an ordered
// content-block sequence. The trimmed free text (if any) leads; files
// follow in upload order. Returns ErrEmptyContent when both inputs are
// empty; callers short-circuit before building a Message.
func Compose(freeText string, files []*NormalizedFile) ([]ContentBlock, error) {
	var blocks []ContentBlock

	if text := strings.TrimSpace(freeText); text != "" {
		blocks = append(blocks, NewTextBlock(text))
	}

	for _, f := range files {
		switch {
		case f.IsNative():
			blocks = append(blocks, *f.Block)
		case f.Archive != nil:
			// Archive sections carry their own path markers, so the
			// content is not escaped.
			blocks = append(blocks, NewTextBlock(wrapDocument(f.Name, f.Archive.CombinedText(), false)))
			blocks = append(blocks, f.Archive.NativeBlocks...)
		default:
			blocks = append(blocks, NewTextBlock(wrapDocument(f.Name, f.ExtractedText, true)))
		}
	}

	if len(blocks) == 0 {
		return nil, ErrEmptyContent
	}
	return blocks, nil
}

// ComposeSystemContext builds the system block sequence in fixed order:
// global directives, global cache context, conversation cache text, then
// all text-bearing cached files collapsed into at most one combined text
// block followed by any native cached attachments. Every emitted block is
// marked cacheable. Returns nil when every source is empty, in which case
// the system field is omitted from the request entirely.
func ComposeSystemContext(ctx SystemContext) []ContentBlock {
	var blocks []ContentBlock

	for _, text := range []string{ctx.GlobalDirectives, ctx.GlobalCacheContext, ctx.ConversationCacheText} {
		if t := strings.TrimSpace(text); t != "" {
			blocks = append(blocks, NewCacheableTextBlock(t))
		}
	}

	var sections []string
	var natives []ContentBlock
	for _, f := range ctx.ConversationCachedFiles {
		if f.IsNative() {
			b := *f.Block
			b.CacheControl = &CacheControl{Type: CacheEphemeral}
			natives = append(natives, b)
			continue
		}
		if text := f.TextContent(); text != "" {
			sections = append(sections, "File: "+f.Name+"\n\n"+text)
		}
	}
	if len(sections) > 0 {
		blocks = append(blocks, NewCacheableTextBlock(strings.Join(sections, "\n\n")))
	}
	blocks = append(blocks, natives...)

	return blocks
}

// ToDisplayText renders content blocks for UI and log use. Lossy and
// one-way: never fed back into the wire format.
func ToDisplayText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case TypeText:
			parts = append(parts, b.Text)
		case TypeImage:
			if b.FileName != "" {
				parts = append(parts, "[Image: "+b.FileName+"]")
			} else {
				parts = append(parts, "[Image]")
			}
		case TypeDocument:
			if b.FileName != "" {
				parts = append(parts, "[PDF Document: "+b.FileName+"]")
			} else {
				parts = append(parts, "[PDF Document]")
			}
		}
	}
	return strings.Join(parts, "\n")
}

// AttachmentSummary lists file names for the "Attached files" display
// projection shown alongside the user's text.
func AttachmentSummary(files []*NormalizedFile) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Attached files:")
	for _, f := range files {
		sb.WriteString("\n- ")
		sb.WriteString(f.Name)
	}
	return sb.String()
}

// =============================================================================
// DOCUMENT WRAPPING
// =============================================================================

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// wrapDocument wraps extracted file content in document markers carrying
// the source filename so the model can attribute content to its file.
func wrapDocument(name, content string, escape bool) string {
	if escape {
		content = xmlEscaper.Replace(content)
	}
	var sb strings.Builder
	sb.WriteString("<documents>\n<document>\n<source>")
	sb.WriteString(xmlEscaper.Replace(name))
	sb.WriteString("</source>\n<document_content>\n")
	sb.WriteString(content)
	sb.WriteString("\n</document_content>\n</document>\n</documents>")
	return sb.String()
}
