// Package layout derives the flat, offset-addressed on-disk file list
// that a torrent's virtual content concatenation maps onto.
package layout

import (
	"path/filepath"

	"github.com/oreokoo/qbit/internal/metainfo"
)

// Entry is one file within the layout: its absolute path, declared
// length, and the byte offset at which it begins in the virtual
// concatenation of all files.
type Entry struct {
	AbsPath string
	Length  int64
	Offset  int64
}

// FileLayout is the ordered sequence of Entry that spans a torrent's
// content. offset[i+1] == offset[i] + length[i] and sum(length) equals
// the torrent's total length.
type FileLayout struct {
	Entries []Entry
}

// Build derives the FileLayout for info, rooting every file under
// baseDir. Single-file torrents get one entry named after info.Name;
// multi-file torrents get one entry per declared file, joined under
// baseDir/info.Name/<path segments>, each suffixed ".tmp" until the
// torrent completes (spec.md §6).
func Build(baseDir string, info *metainfo.Info) FileLayout {
	if !info.IsMultiFile {
		return FileLayout{Entries: []Entry{{
			AbsPath: filepath.Join(baseDir, info.Name+".tmp"),
			Length:  info.SingleLength,
			Offset:  0,
		}}}
	}

	entries := make([]Entry, len(info.Files))
	var offset int64
	for i, f := range info.Files {
		segments := append([]string{baseDir, info.Name}, f.PathSegments...)
		path := filepath.Join(segments...) + ".tmp"
		entries[i] = Entry{AbsPath: path, Length: f.Length, Offset: offset}
		offset += f.Length
	}
	return FileLayout{Entries: entries}
}

// TotalLength returns the sum of every entry's length.
func (fl FileLayout) TotalLength() int64 {
	var total int64
	for _, e := range fl.Entries {
		total += e.Length
	}
	return total
}

// Span describes the portion of one on-disk file that a byte range
// [start, end) of the virtual concatenation overlaps.
type Span struct {
	Entry         Entry
	FileOffset    int64 // offset within the file to write at
	ContentOffset int64 // offset within the source buffer to read from
	Length        int64
}

// Overlaps returns, in file order, every Span that [start, end) touches.
// This is the core of the committer's spanning-write algorithm (spec.md
// §4.8): a piece near a file boundary in a multi-file torrent may need to
// be split across two or more on-disk files.
func (fl FileLayout) Overlaps(start, end int64) []Span {
	var spans []Span
	for _, e := range fl.Entries {
		fileStart := e.Offset
		fileEnd := e.Offset + e.Length
		overlapStart := max64(start, fileStart)
		overlapEnd := min64(end, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}
		spans = append(spans, Span{
			Entry:         e,
			FileOffset:    overlapStart - fileStart,
			ContentOffset: overlapStart - start,
			Length:        overlapEnd - overlapStart,
		})
	}
	return spans
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
