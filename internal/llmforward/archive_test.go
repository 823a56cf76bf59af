package llmforward

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/require"
)

func zipWith(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractZip(t *testing.T) {
	data := zipWith(t, map[string]string{
		"logs/latest.log": "log body",
		"readme.txt":      "readme",
	})
	entries, err := ExtractArchive(data, "bundle.zip")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestExtractTarGz(t *testing.T) {
	var raw bytes.Buffer
	gz := gzip.NewWriter(&raw)
	tw := tar.NewWriter(gz)
	body := []byte("crash details")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "crash-2024.log", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	entries, err := ExtractArchive(raw.Bytes(), "dump.tar.gz")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "crash-2024.log", entries[0].Path)
	require.Equal(t, body, entries[0].Data)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := ExtractArchive([]byte("x"), "data.rar")
	require.Error(t, err)

	// An uncompressed tar is not an accepted upload form.
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	body := []byte("plain tar")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "a.log", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	_, err = ExtractArchive(raw.Bytes(), "dump.tar")
	require.Error(t, err)
}

func TestScoreEntryRanking(t *testing.T) {
	latest := ScoreEntry("logs/latest.log", 1000, "")
	crash := ScoreEntry("hs_err_pid1234.log", 1000, "")
	plain := ScoreEntry("notes.txt", 1000, "")

	require.Greater(t, latest, crash)
	require.Greater(t, crash, plain)
}

func TestScoreEntryKeyword(t *testing.T) {
	exact := ScoreEntry("server.log", 0, "server.log")
	contains := ScoreEntry("old-server.log", 0, "server")
	miss := ScoreEntry("client.txt", 0, "server")

	require.Equal(t, int64(540), exact)
	require.Equal(t, int64(120), contains)
	require.Equal(t, int64(20), miss)
}

func TestScoreEntrySizeCapped(t *testing.T) {
	capped := ScoreEntry("big.bin", 50<<20, "")
	atCap := ScoreEntry("big.bin", 5<<20, "")
	require.Equal(t, atCap, capped)
}

func TestSelectEntrySingleWinner(t *testing.T) {
	entries := []ArchiveEntry{
		{Path: "other.txt", Data: bytes.Repeat([]byte("b"), 60)},
		{Path: "latest.log", Data: bytes.Repeat([]byte("a"), 60)},
		{Path: "tiny.log", Data: []byte("c")},
	}
	entry, ok := SelectEntry(entries, "", 100)
	require.True(t, ok)
	require.Equal(t, "latest.log", entry.Path)
}

func TestSelectEntryClampsToBudget(t *testing.T) {
	entries := []ArchiveEntry{
		{Path: "latest.log", Data: bytes.Repeat([]byte("a"), 200)},
	}
	entry, ok := SelectEntry(entries, "", 100)
	require.True(t, ok)
	require.Len(t, entry.Data, 100)

	_, ok = SelectEntry(nil, "", 100)
	require.False(t, ok)
}
