// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package normalize converts arbitrary uploaded files into canonical
// content units: native binary attachments (images, PDFs), extracted-text
// units (Word, Excel, PDF-to-text, plain text), or recursively flattened
// archive bundles.
package normalize

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding/charmap"

	"github.com/jeranaias/chatrelay/internal/message"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrFileEmpty indicates a file produced no usable content.
var ErrFileEmpty = errors.New("the file is empty")

// FileError scopes a normalization failure to one file so batch uploads
// can continue past it.
type FileError struct {
	Name string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file %q: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// =============================================================================
// NORMALIZER
// =============================================================================

// File is one uploaded file as received from the caller. MIMEType may be
// empty or a generic browser value; the extension is the authoritative
// fallback.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Options controls normalization behavior. PDFToText is threaded
// explicitly through archive recursion rather than read from shared state.
type Options struct {
	// PDFToText converts PDFs to paginated extracted text instead of
	// native document attachments.
	PDFToText bool
}

// Normalize converts a file into its canonical content unit. It returns
// (nil, nil) for unrecognized types; callers fall back to a raw text read
// via Fallback. Side-effect free.
func Normalize(f File, opts Options) (*message.NormalizedFile, error) {
	switch mt := detectMediaType(f); {
	case message.IsImageMediaType(mt):
		block, err := message.NewImageBlock(mt, base64.StdEncoding.EncodeToString(f.Data), f.Name)
		if err != nil {
			return nil, &FileError{Name: f.Name, Err: err}
		}
		return &message.NormalizedFile{Name: f.Name, Block: &block}, nil

	case mt == message.PDFMediaType:
		if opts.PDFToText {
			text, pages, err := extractPDFText(f.Data)
			if err != nil {
				return nil, &FileError{Name: f.Name, Err: err}
			}
			return &message.NormalizedFile{Name: f.Name, ExtractedText: text, PageCount: pages}, nil
		}
		block := message.NewDocumentBlock(base64.StdEncoding.EncodeToString(f.Data), f.Name)
		return &message.NormalizedFile{Name: f.Name, Block: &block}, nil

	case mt == mimeDocx:
		text, err := extractDocxText(f.Data)
		if err != nil {
			return nil, &FileError{Name: f.Name, Err: err}
		}
		return &message.NormalizedFile{Name: f.Name, ExtractedText: text}, nil

	case mt == mimeXlsx:
		text, err := extractXlsxText(f.Data)
		if err != nil {
			return nil, &FileError{Name: f.Name, Err: err}
		}
		return &message.NormalizedFile{Name: f.Name, ExtractedText: text}, nil

	case isArchiveMediaType(mt):
		bundle, err := expandArchive(f, mt, opts)
		if err != nil {
			return nil, &FileError{Name: f.Name, Err: err}
		}
		return &message.NormalizedFile{Name: f.Name, Archive: bundle}, nil

	default:
		return nil, nil
	}
}

// Fallback performs the raw UTF-8 best-effort read used when Normalize
// recognizes nothing. An empty result rejects the file.
func Fallback(f File) (*message.NormalizedFile, error) {
	text := strings.TrimSpace(DecodeText(f.Data))
	if text == "" {
		return nil, &FileError{Name: f.Name, Err: ErrFileEmpty}
	}
	return &message.NormalizedFile{Name: f.Name, ExtractedText: text}, nil
}

// =============================================================================
// MEDIA TYPE DETECTION
// =============================================================================

const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeZip  = "application/zip"
	mimeRar  = "application/x-rar-compressed"
	mime7z   = "application/x-7z-compressed"
)

var extensionMediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  message.PDFMediaType,
	".docx": mimeDocx,
	".xlsx": mimeXlsx,
	".zip":  mimeZip,
	".rar":  mimeRar,
	".7z":   mime7z,
}

// genericMediaTypes are browser-supplied values that carry no real
// information; the extension overrides them.
var genericMediaTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

func detectMediaType(f File) string {
	mt := strings.ToLower(strings.TrimSpace(f.MIMEType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "application/x-zip-compressed" {
		mt = mimeZip
	}
	if mt == "application/vnd.rar" {
		mt = mimeRar
	}
	if !genericMediaTypes[mt] {
		return mt
	}
	if byExt, ok := extensionMediaTypes[strings.ToLower(filepath.Ext(f.Name))]; ok {
		return byExt
	}
	// Last resort: sniff the content.
	detected := mimetype.Detect(f.Data).String()
	if i := strings.Index(detected, ";"); i >= 0 {
		detected = strings.TrimSpace(detected[:i])
	}
	return detected
}

func isArchiveMediaType(mt string) bool {
	return mt == mimeZip || mt == mimeRar || mt == mime7z
}

// =============================================================================
// TEXT DECODING
// =============================================================================

// DecodeText decodes bytes as UTF-8, falling back to Latin-1 when the
// data is not valid UTF-8. Never fails.
func DecodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}

// binarySampleSize bounds how much of an entry the binary heuristic reads.
const binarySampleSize = 1024

// binaryThreshold is the fraction of disallowed bytes above which an
// entry is treated as undecodable.
const binaryThreshold = 0.15

// looksBinary samples up to 1KB and reports whether more than 15% of the
// bytes fall outside printable ASCII, common control codes, and high
// bytes (UTF-8 sequences).
func looksBinary(data []byte) bool {
	sample := data
	if len(sample) > binarySampleSize {
		sample = sample[:binarySampleSize]
	}
	if len(sample) == 0 {
		return false
	}
	bad := 0
	for _, b := range sample {
		switch {
		case b == '\t' || b == '\n' || b == '\r':
		case b >= 0x20 && b <= 0x7E:
		case b >= 0x80:
		default:
			bad++
		}
	}
	return float64(bad)/float64(len(sample)) > binaryThreshold
}
