// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package message defines the content-block wire format shared by the
// composer, the stream client, and the relay, and assembles outbound
// message content from user text and normalized files.
package message

import (
	"errors"
	"fmt"
)

// =============================================================================
// CONTENT BLOCKS
// =============================================================================

// Block types understood by the upstream API.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeDocument = "document"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SourceBase64 is the only source encoding used for native attachments.
const SourceBase64 = "base64"

// CacheEphemeral marks a block as cacheable by the upstream provider.
const CacheEphemeral = "ephemeral"

// PDFMediaType is the only media type allowed for document blocks.
const PDFMediaType = "application/pdf"

// imageMediaTypes is the allow-list for image blocks.
var imageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ErrEmptyContent indicates a message would have no content blocks.
var ErrEmptyContent = errors.New("message content is empty")

// Source holds the base64 payload of a native attachment.
type Source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// CacheControl marks a block for upstream prompt caching.
type CacheControl struct {
	Type string `json:"type"`
}

// ContentBlock is one typed unit of message content. FileName is local
// metadata for display and persistence; it is stripped before transmission.
type ContentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	Source       *Source       `json:"source,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
	FileName     string        `json:"file_name,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// NewTextBlock returns a plain text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: TypeText, Text: text}
}

// NewCacheableTextBlock returns a text block marked for upstream caching.
func NewCacheableTextBlock(text string) ContentBlock {
	return ContentBlock{
		Type:         TypeText,
		Text:         text,
		CacheControl: &CacheControl{Type: CacheEphemeral},
	}
}

// NewImageBlock returns a native image attachment. The media type must be
// on the allow-list (jpeg/png/gif/webp) and data must be base64 of the
// raw bytes.
func NewImageBlock(mediaType, data, fileName string) (ContentBlock, error) {
	if !imageMediaTypes[mediaType] {
		return ContentBlock{}, fmt.Errorf("unsupported image media type %q", mediaType)
	}
	return ContentBlock{
		Type:     TypeImage,
		Source:   &Source{Type: SourceBase64, MediaType: mediaType, Data: data},
		FileName: fileName,
	}, nil
}

// NewDocumentBlock returns a native PDF attachment.
func NewDocumentBlock(data, fileName string) ContentBlock {
	return ContentBlock{
		Type:     TypeDocument,
		Source:   &Source{Type: SourceBase64, MediaType: PDFMediaType, Data: data},
		FileName: fileName,
	}
}

// IsImageMediaType reports whether mt is an allowed image media type.
func IsImageMediaType(mt string) bool {
	return imageMediaTypes[mt]
}

// =============================================================================
// WIRE PROJECTION
// =============================================================================

// ForWire returns a copy of blocks with local metadata stripped. When
// keepCache is false, cache-control annotations are dropped as well;
// conversation message content never carries them, system blocks do.
func ForWire(blocks []ContentBlock, keepCache bool) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		b.FileName = ""
		if !keepCache {
			b.CacheControl = nil
		}
		if b.Source != nil {
			src := *b.Source
			b.Source = &src
		}
		out = append(out, b)
	}
	return out
}

// Validate checks the structural invariants of a block.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case TypeText:
		return nil
	case TypeImage:
		if b.Source == nil {
			return errors.New("image block missing source")
		}
		if !imageMediaTypes[b.Source.MediaType] {
			return fmt.Errorf("image block has media type %q", b.Source.MediaType)
		}
	case TypeDocument:
		if b.Source == nil {
			return errors.New("document block missing source")
		}
		if b.Source.MediaType != PDFMediaType {
			return fmt.Errorf("document block has media type %q", b.Source.MediaType)
		}
	default:
		return fmt.Errorf("unknown block type %q", b.Type)
	}
	if b.Source.Type != SourceBase64 {
		return fmt.Errorf("unsupported source type %q", b.Source.Type)
	}
	return nil
}
