package llmforward

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	// archiveMaxEntries bounds how many files are pulled from one
	// archive.
	archiveMaxEntries = 200
	// archiveMaxEntryBytes bounds a single extracted file.
	archiveMaxEntryBytes = 20 << 20
	// archiveScoreSizeCap caps the size contribution to the score.
	archiveScoreSizeCap = 5 << 20
)

// ArchiveEntry is one extracted file.
type ArchiveEntry struct {
	Path string
	Data []byte
}

// ExtractArchive unpacks a zip or tar.gz payload. Directories, links,
// and oversized entries are skipped.
func ExtractArchive(data []byte, filename string) ([]ArchiveEntry, error) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".jar"):
		return extractZip(data)
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(data)
	case strings.HasSuffix(lower, ".gz"):
		return extractGz(data, strings.TrimSuffix(path.Base(lower), ".gz"))
	}
	return nil, fmt.Errorf("unsupported archive format: %s", filename)
}

func extractZip(data []byte) ([]ArchiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	var entries []ArchiveEntry
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || f.UncompressedSize64 > archiveMaxEntryBytes {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(rc, archiveMaxEntryBytes))
		rc.Close()
		if err != nil {
			continue
		}
		entries = append(entries, ArchiveEntry{Path: f.Name, Data: body})
		if len(entries) >= archiveMaxEntries {
			break
		}
	}
	return entries, nil
}

func extractTarGz(data []byte) ([]ArchiveEntry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var entries []ArchiveEntry
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, nil
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Size > archiveMaxEntryBytes {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(tr, archiveMaxEntryBytes))
		if err != nil {
			continue
		}
		entries = append(entries, ArchiveEntry{Path: hdr.Name, Data: body})
		if len(entries) >= archiveMaxEntries {
			break
		}
	}
	return entries, nil
}

func extractGz(data []byte, name string) ([]ArchiveEntry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	body, err := io.ReadAll(io.LimitReader(gz, archiveMaxEntryBytes))
	if err != nil {
		return nil, err
	}
	return []ArchiveEntry{{Path: name, Data: body}}, nil
}

// ScoreEntry ranks an archive file's analysis value. Crash artifacts
// and logs dominate, an exact keyword match dominates everything, and
// larger files win ties.
func ScoreEntry(entryPath string, size int64, keyword string) int64 {
	name := strings.ToLower(path.Base(strings.ReplaceAll(entryPath, "\\", "/")))
	var score int64

	if strings.HasSuffix(name, "latest.log") {
		score += 200
	}
	if strings.Contains(name, "crash") || strings.HasPrefix(name, "hs_err") {
		score += 150
	}
	switch {
	case strings.HasSuffix(name, ".log"):
		score += 40
	case strings.HasSuffix(name, ".txt"):
		score += 20
	}

	if keyword = strings.ToLower(strings.TrimSpace(keyword)); keyword != "" {
		if name == keyword {
			score += 500
		} else if strings.Contains(name, keyword) {
			score += 80
		}
	}

	if size > archiveScoreSizeCap {
		size = archiveScoreSizeCap
	}
	score += size / 50000
	return score
}

// SelectEntry picks the single highest scoring extracted file. Ties
// break on path order. Data beyond the byte budget is cut off.
func SelectEntry(entries []ArchiveEntry, keyword string, budget int) (ArchiveEntry, bool) {
	if len(entries) == 0 {
		return ArchiveEntry{}, false
	}
	best := entries[0]
	bestScore := ScoreEntry(best.Path, int64(len(best.Data)), keyword)
	for _, e := range entries[1:] {
		score := ScoreEntry(e.Path, int64(len(e.Data)), keyword)
		if score > bestScore || (score == bestScore && e.Path < best.Path) {
			best = e
			bestScore = score
		}
	}
	if len(best.Data) > budget {
		best.Data = best.Data[:budget]
	}
	return best, true
}
