// Package filestore maps torrent piece byte-ranges onto a single-file or
// multi-file on-disk layout and performs the actual seek-then-write I/O
// (spec.md §4.7, C4).
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileEntry is one on-disk file and the contiguous byte range it occupies
// within the torrent's logical concatenated stream.
type FileEntry struct {
	Path   string // absolute path on disk
	Length int64  // file size in bytes
	Start  int64  // inclusive start offset within the concatenated stream
	End    int64  // inclusive end offset within the concatenated stream
}

// Store coordinates piece-offset-to-file I/O across every file of a
// torrent, creating files and parent directories lazily on first write.
type Store struct {
	mu    sync.Mutex
	files []FileEntry
	open  map[string]*os.File

	root        string
	pieceLength int64
}

// singleFileEntry describes the degenerate single-file case: one file whose
// path is exactly <download_path>/<name>.
func singleFileEntry(name string, length int64) []FileEntry {
	return []FileEntry{{Path: name, Length: length, Start: 0, End: length - 1}}
}

// multiFileEntries computes file_offsets per spec.md §4.7: start[k] = sum of
// prior lengths, end[k] = start[k] + length[k] - 1.
func multiFileEntries(paths []string, lengths []int64) []FileEntry {
	entries := make([]FileEntry, len(paths))
	var offset int64
	for i, p := range paths {
		entries[i] = FileEntry{Path: p, Length: lengths[i], Start: offset, End: offset + lengths[i] - 1}
		offset += lengths[i]
	}
	return entries
}

// New builds a Store rooted at <downloadDir>/<name>. For a single-file
// torrent pass exactly one path/length pair; paths are given as one
// filepath.Join-able relative path each (multi-file) or [name] (single-file).
func New(downloadDir, name string, paths []string, lengths []int64, pieceLength int64, singleFile bool) (*Store, error) {
	if len(paths) != len(lengths) {
		return nil, fmt.Errorf("filestore: paths/lengths length mismatch")
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("filestore: invalid piece length %d", pieceLength)
	}

	var entries []FileEntry
	var root string

	if singleFile {
		root = downloadDir
		entries = singleFileEntry(filepath.Join(downloadDir, name), lengths[0])
	} else {
		root = filepath.Join(downloadDir, name)
		abs := make([]string, len(paths))
		for i, p := range paths {
			abs[i] = filepath.Join(root, p)
		}
		entries = multiFileEntries(abs, lengths)
	}

	return &Store{
		files:       entries,
		open:        make(map[string]*os.File),
		root:        root,
		pieceLength: pieceLength,
	}, nil
}

// Close closes every file opened so far.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.open {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) fileFor(path string) (*os.File, error) {
	if f, ok := s.open[path]; ok {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}

	s.open[path] = f
	return f, nil
}

// WritePiece writes data — the fully-assembled, already-verified bytes of
// piece index — into the underlying file(s), splitting across file
// boundaries per spec.md §4.7 step 2.
func (s *Store) WritePiece(index uint32, data []byte) error {
	start := int64(index) * s.pieceLength
	return s.writeStreamAt(data, start)
}

// ReadRange reads length bytes at streamOffset back from disk, spanning
// files as needed. The download path itself only writes; nothing in the
// engine reads pieces back.
func (s *Store) ReadRange(streamOffset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := s.readStreamAt(buf, streamOffset); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Store) writeStreamAt(p []byte, streamOff int64) error {
	if len(p) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	end := streamOff + int64(len(p))

	for _, entry := range s.files {
		fileStart, fileEnd, n := overlap(streamOff, end, entry.Start, entry.End)
		if n <= 0 {
			continue
		}

		f, err := s.fileFor(entry.Path)
		if err != nil {
			return err
		}

		pStart := fileStart - streamOff
		fileOff := fileStart - entry.Start
		if _, err := f.WriteAt(p[pStart:pStart+n], fileOff); err != nil {
			return fmt.Errorf("filestore: write %s@%d: %w", entry.Path, fileOff, err)
		}

		_ = fileEnd
	}

	return nil
}

func (s *Store) readStreamAt(p []byte, streamOff int64) error {
	if len(p) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	end := streamOff + int64(len(p))

	for _, entry := range s.files {
		fileStart, _, n := overlap(streamOff, end, entry.Start, entry.End)
		if n <= 0 {
			continue
		}

		f, err := s.fileFor(entry.Path)
		if err != nil {
			return err
		}

		pStart := fileStart - streamOff
		fileOff := fileStart - entry.Start
		if _, err := f.ReadAt(p[pStart:pStart+n], fileOff); err != nil {
			return fmt.Errorf("filestore: read %s@%d: %w", entry.Path, fileOff, err)
		}
	}

	return nil
}

// overlap computes the intersection of [streamStart, streamEnd) with
// [entryStart, entryEnd], returning the absolute stream offset the overlap
// begins at, the absolute offset it ends at, and its length n (0 if none).
func overlap(streamStart, streamEnd, entryStart, entryEnd int64) (start, end, n int64) {
	start = max64(streamStart, entryStart)
	end = min64(streamEnd, entryEnd+1)
	n = end - start
	if n < 0 {
		n = 0
	}
	return
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
