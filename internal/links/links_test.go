package links

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/bustesoul/varmanager/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanRankPrefersHigherRankedProvider(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mirrors.txt", ""+
		"Alice.Lighting.3.var https://mediafire.com/file/abc\n"+
		"Alice.Lighting.3.var https://pixeldrain.com/u/xyz\n")

	result, err := Scan(dir, []string{"Alice.Lighting.3"}, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := result.DownloadURLs["Alice.Lighting.3"]; got != "https://pixeldrain.com/u/xyz" {
		t.Fatalf("DownloadURLs = %q, want pixeldrain URL", got)
	}
	if result.DownloadSources["Alice.Lighting.3"] != SourcePixeldrain {
		t.Fatalf("DownloadSources = %v, want Pixeldrain", result.DownloadSources["Alice.Lighting.3"])
	}
}

func TestScanBasePrefersHighestVersionThenRank(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mirrors.txt", ""+
		"Alice.Lighting.2.var https://pixeldrain.com/u/older\n"+
		"Alice.Lighting.5.var https://mediafire.com/file/newer\n"+
		"Alice.Lighting.3.var https://pixeldrain.com/u/middle\n")

	result, err := Scan(dir, []string{"Alice.Lighting.1"}, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := result.DownloadURLsNoVersion["Alice.Lighting"]; got != "https://mediafire.com/file/newer" {
		t.Fatalf("DownloadURLsNoVersion = %q, want highest-version mediafire URL", got)
	}
}

func TestScanIgnoresLinesWithoutBothNameAndURL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mirrors.txt", ""+
		"Alice.Lighting.3.var with no url here\n"+
		"just a url https://pixeldrain.com/u/stray\n"+
		"unrelated text entirely\n")

	result, err := Scan(dir, []string{"Alice.Lighting.3"}, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.DownloadURLs) != 0 {
		t.Fatalf("DownloadURLs = %v, want empty", result.DownloadURLs)
	}
}

func TestScanFiltersUnrequestedSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mirrors.txt", "Alice.Lighting.3.var https://mediafire.com/file/abc\n")

	result, err := Scan(dir, []string{"Alice.Lighting.3"}, Options{
		Sources: map[ExternalSource]bool{SourcePixeldrain: true},
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.DownloadURLs) != 0 {
		t.Fatalf("DownloadURLs = %v, want empty (mediafire not in allowed sources)", result.DownloadURLs)
	}
}

func TestScanAppliesPixeldrainBypass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mirrors.txt", "Alice.Lighting.3.var https://pixeldrain.com/u/abc123\n")

	result, err := Scan(dir, []string{"Alice.Lighting.3"}, Options{PixeldrainBypass: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := "https://pixeldrain.sriflix.my/abc123"
	if got := result.DownloadURLs["Alice.Lighting.3"]; got != want {
		t.Fatalf("DownloadURLs = %q, want %q", got, want)
	}
}

func TestScanSkipsTorrentsSubdirForTextFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mirrors.txt", "Alice.Lighting.3.var https://pixeldrain.com/u/top\n")
	writeFile(t, dir, filepath.Join("torrents", "decoy.txt"), "Alice.Lighting.3.var https://mediafire.com/file/decoy\n")

	result, err := Scan(dir, []string{"Alice.Lighting.3"}, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := result.DownloadURLs["Alice.Lighting.3"]; got != "https://pixeldrain.com/u/top" {
		t.Fatalf("DownloadURLs = %q, a .txt file under torrents/ should not have been scanned", got)
	}
}

// bencodeString/bencodeDict build minimal valid bencode byte strings for
// test fixtures, avoiding a dependency on a third-party bencode encoder for
// a handful of hand-built .torrent files.
func bencodeString(s string) string {
	return fmt.Sprintf("%d:%s", len(s), s)
}

func singleFileTorrent(name string) []byte {
	var buf bytes.Buffer
	buf.WriteString("d4:info")
	buf.WriteString("d")
	buf.WriteString("6:length")
	buf.WriteString("i1024e")
	buf.WriteString("4:name")
	buf.WriteString(bencodeString(name))
	buf.WriteString("e")
	buf.WriteString("e")
	return buf.Bytes()
}

func multiFileTorrent(paths [][]string) []byte {
	var buf bytes.Buffer
	buf.WriteString("d4:info")
	buf.WriteString("d")
	buf.WriteString("5:files")
	buf.WriteString("l")
	for _, segs := range paths {
		buf.WriteString("d")
		buf.WriteString("6:length")
		buf.WriteString("i512e")
		buf.WriteString("4:path")
		buf.WriteString("l")
		for _, s := range segs {
			buf.WriteString(bencodeString(s))
		}
		buf.WriteString("e")
		buf.WriteString("e")
	}
	buf.WriteString("e")
	buf.WriteString("4:name")
	buf.WriteString(bencodeString("bundle"))
	buf.WriteString("e")
	buf.WriteString("e")
	return buf.Bytes()
}

func TestScanTorrentsFindsSingleFilePackageName(t *testing.T) {
	dir := t.TempDir()
	torrentPath := filepath.Join(dir, "torrents", "Alice.Lighting.3.var.torrent")
	if err := os.MkdirAll(filepath.Dir(torrentPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(torrentPath, singleFileTorrent("Alice.Lighting.3.var"), 0o644); err != nil {
		t.Fatalf("write torrent: %v", err)
	}

	result, err := ScanTorrentsOnly(dir, []string{"Alice.Lighting.3"})
	if err != nil {
		t.Fatalf("ScanTorrentsOnly: %v", err)
	}
	hits := result.TorrentHits["Alice.Lighting.3"]
	if len(hits) != 1 || hits[0] != "Alice.Lighting.3.var.torrent" {
		t.Fatalf("TorrentHits = %v, want [Alice.Lighting.3.var.torrent]", hits)
	}
}

func TestScanTorrentsFindsPackageNameInMultiFileList(t *testing.T) {
	dir := t.TempDir()
	torrentPath := filepath.Join(dir, "torrents", "bundle.torrent")
	if err := os.MkdirAll(filepath.Dir(torrentPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := multiFileTorrent([][]string{
		{"readme.txt"},
		{"vars", "Carol.Pose.7.var"},
	})
	if err := os.WriteFile(torrentPath, data, 0o644); err != nil {
		t.Fatalf("write torrent: %v", err)
	}

	result, err := ScanTorrentsOnly(dir, []string{"Carol.Pose.7"})
	if err != nil {
		t.Fatalf("ScanTorrentsOnly: %v", err)
	}
	hits := result.TorrentHits["Carol.Pose.7"]
	if len(hits) != 1 || hits[0] != "bundle.torrent" {
		t.Fatalf("TorrentHits = %v, want [bundle.torrent]", hits)
	}
	baseHits := result.TorrentHitsNoVersion["Carol.Pose"]
	if len(baseHits) != 1 || baseHits[0] != "bundle.torrent" {
		t.Fatalf("TorrentHitsNoVersion = %v, want [bundle.torrent]", baseHits)
	}
}

func TestScanTorrentsOnlyReturnsEmptyForEmptyPackageList(t *testing.T) {
	result, err := ScanTorrentsOnly(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("ScanTorrentsOnly: %v", err)
	}
	if len(result.TorrentHits) != 0 {
		t.Fatalf("TorrentHits = %v, want empty", result.TorrentHits)
	}
}

func TestPersistWritesMirrorsAndTorrentIndex(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	result := newResult()
	result.DownloadURLs["Alice.Lighting.3"] = "https://pixeldrain.com/u/abc"
	result.DownloadSources["Alice.Lighting.3"] = SourcePixeldrain
	result.TorrentHits["Alice.Lighting.3"] = []string{"a.torrent", "b.torrent"}

	if err := Persist(ctx, st, result); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	mirror, ok, err := st.GetExternalMirror(ctx, "Alice.Lighting.3")
	if err != nil || !ok {
		t.Fatalf("GetExternalMirror: %v, ok=%v", err, ok)
	}
	if mirror.URL != "https://pixeldrain.com/u/abc" || mirror.ProviderRank != SourcePixeldrain.rank() {
		t.Fatalf("mirror = %+v, unexpected", mirror)
	}

	torrents, err := st.ListTorrentsFor(ctx, "Alice.Lighting.3")
	if err != nil {
		t.Fatalf("ListTorrentsFor: %v", err)
	}
	sort.Strings(torrents)
	if len(torrents) != 2 || torrents[0] != "a.torrent" || torrents[1] != "b.torrent" {
		t.Fatalf("torrents = %v, want [a.torrent b.torrent]", torrents)
	}
}
