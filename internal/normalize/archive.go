// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package normalize

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode"

	"github.com/jeranaias/chatrelay/internal/message"
)

// =============================================================================
// ARCHIVE EXPANSION
// =============================================================================

// rawEntry is one real (non-directory, non-junk) archive member before
// normalization.
type rawEntry struct {
	path string
	data []byte
}

// expandArchive walks an archive, recursively normalizes every real
// entry, and flattens the result into a single bundle. Entries that fail
// every specific handler are decoded as text unless the binary heuristic
// flags them, in which case they are dropped with a skip note.
func expandArchive(f File, mt string, opts Options) (*message.ArchiveBundle, error) {
	var (
		entries []rawEntry
		err     error
	)
	switch mt {
	case mimeZip:
		entries, err = readZip(f.Data)
	case mimeRar:
		entries, err = readRar(f.Data)
	case mime7z:
		entries, err = read7z(f.Data)
	default:
		return nil, fmt.Errorf("unsupported archive type %q", mt)
	}
	if err != nil {
		return nil, err
	}

	bundle := &message.ArchiveBundle{}
	for _, e := range entries {
		foldEntry(bundle, e.path, e.data, opts)
	}

	var paths []string
	for _, e := range bundle.Entries {
		paths = append(paths, e.Path)
	}
	for _, b := range bundle.NativeBlocks {
		paths = append(paths, b.FileName)
	}
	bundle.Listing = renderTree(paths)
	return bundle, nil
}

// foldEntry normalizes one archive member into the bundle. Nested
// archives are flattened with their parent path as a prefix.
func foldEntry(b *message.ArchiveBundle, entryPath string, data []byte, opts Options) {
	nf, err := Normalize(File{Name: path.Base(entryPath), Data: data}, opts)
	if err != nil {
		b.Skipped = append(b.Skipped, entryPath+": "+err.Error())
		return
	}
	if nf == nil {
		if looksBinary(data) {
			b.Skipped = append(b.Skipped, entryPath+" (binary content)")
			return
		}
		b.Entries = append(b.Entries, message.ArchiveEntry{Path: entryPath, Text: DecodeText(data)})
		return
	}

	switch {
	case nf.IsNative():
		block := *nf.Block
		block.FileName = entryPath
		b.NativeBlocks = append(b.NativeBlocks, block)
	case nf.Archive != nil:
		for _, e := range nf.Archive.Entries {
			b.Entries = append(b.Entries, message.ArchiveEntry{Path: entryPath + "/" + e.Path, Text: e.Text})
		}
		for _, nb := range nf.Archive.NativeBlocks {
			nb.FileName = entryPath + "/" + nb.FileName
			b.NativeBlocks = append(b.NativeBlocks, nb)
		}
		for _, s := range nf.Archive.Skipped {
			b.Skipped = append(b.Skipped, entryPath+"/"+s)
		}
	default:
		b.Entries = append(b.Entries, message.ArchiveEntry{Path: entryPath, Text: nf.ExtractedText})
	}
}

// =============================================================================
// FORMAT READERS
// =============================================================================

func readZip(data []byte) ([]rawEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	var entries []rawEntry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || isJunkPath(f.Name) {
			continue
		}
		clean := sanitizePath(f.Name)
		if clean == "" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %q: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read zip entry %q: %w", f.Name, err)
		}
		entries = append(entries, rawEntry{path: clean, data: content})
	}
	return entries, nil
}

func readRar(data []byte) ([]rawEntry, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data), "")
	if err != nil {
		return nil, fmt.Errorf("open rar: %w", err)
	}
	var entries []rawEntry
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rar: %w", err)
		}
		if hdr.IsDir || isJunkPath(hdr.Name) {
			continue
		}
		clean := sanitizePath(hdr.Name)
		if clean == "" {
			continue
		}
		content, err := io.ReadAll(rr)
		if err != nil {
			return nil, fmt.Errorf("read rar entry %q: %w", hdr.Name, err)
		}
		entries = append(entries, rawEntry{path: clean, data: content})
	}
	return entries, nil
}

func read7z(data []byte) ([]rawEntry, error) {
	sr, err := sevenzip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open 7z: %w", err)
	}
	var entries []rawEntry
	for _, f := range sr.File {
		if f.FileInfo().IsDir() || isJunkPath(f.Name) {
			continue
		}
		clean := sanitizePath(f.Name)
		if clean == "" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open 7z entry %q: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read 7z entry %q: %w", f.Name, err)
		}
		entries = append(entries, rawEntry{path: clean, data: content})
	}
	return entries, nil
}

// =============================================================================
// PATH HANDLING
// =============================================================================

// junkNames are platform metadata files that never carry user content.
var junkNames = map[string]bool{
	"__macosx":    true,
	".ds_store":   true,
	"thumbs.db":   true,
	"desktop.ini": true,
}

// isJunkPath reports whether any path segment is OS metadata or an
// AppleDouble resource fork.
func isJunkPath(p string) bool {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if junkNames[strings.ToLower(seg)] || strings.HasPrefix(seg, "._") {
			return true
		}
	}
	return false
}

// sanitizePath strips characters illegal in a flat filename from each
// segment and collapses whitespace runs. Empty and traversal segments
// are dropped.
func sanitizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	var out []string
	for _, seg := range strings.Split(p, "/") {
		var sb strings.Builder
		for _, r := range seg {
			if r < 0x20 || strings.ContainsRune(`<>:"|?*`, r) {
				continue
			}
			sb.WriteRune(r)
		}
		clean := strings.Join(strings.Fields(sb.String()), " ")
		if clean == "" || clean == "." || clean == ".." {
			continue
		}
		out = append(out, clean)
	}
	return strings.Join(out, "/")
}

// renderTree renders a flat path list as an indented directory tree.
func renderTree(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	var sb strings.Builder
	seenDirs := map[string]bool{}
	for _, p := range sorted {
		segs := strings.Split(p, "/")
		for i := 0; i < len(segs)-1; i++ {
			dir := strings.Join(segs[:i+1], "/")
			if seenDirs[dir] {
				continue
			}
			seenDirs[dir] = true
			sb.WriteString(strings.Repeat("  ", i))
			sb.WriteString(segs[i])
			sb.WriteString("/\n")
		}
		sb.WriteString(strings.Repeat("  ", len(segs)-1))
		sb.WriteString(segs[len(segs)-1])
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
