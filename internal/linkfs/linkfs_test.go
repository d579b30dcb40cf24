package linkfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileLinkRoundTrip(t *testing.T) {
	lfs := New()
	dir := t.TempDir()

	target := filepath.Join(dir, "Alice.HelloWorld.3.var")
	if err := os.WriteFile(target, []byte("archive bytes"), 0o644); err != nil {
		t.Fatalf("writing target: %v", err)
	}

	linkPath := filepath.Join(dir, "__ActiveLinks__", "Alice.HelloWorld.3.var")
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		t.Fatalf("making link dir: %v", err)
	}

	if err := lfs.CreateFileLink(target, linkPath); err != nil {
		t.Fatalf("CreateFileLink: %v", err)
	}

	got, err := lfs.ReadLinkTarget(linkPath)
	if err != nil {
		t.Fatalf("ReadLinkTarget: %v", err)
	}
	if got != target {
		t.Errorf("ReadLinkTarget() = %q, want %q", got, target)
	}

	data, err := os.ReadFile(linkPath)
	if err != nil {
		t.Fatalf("reading through link: %v", err)
	}
	if string(data) != "archive bytes" {
		t.Errorf("link did not resolve to target contents: %q", data)
	}
}

func TestCreateFileLinkReplacesExisting(t *testing.T) {
	lfs := New()
	dir := t.TempDir()

	targetA := filepath.Join(dir, "a.var")
	targetB := filepath.Join(dir, "b.var")
	os.WriteFile(targetA, []byte("a"), 0o644)
	os.WriteFile(targetB, []byte("b"), 0o644)

	linkPath := filepath.Join(dir, "link.var")
	if err := lfs.CreateFileLink(targetA, linkPath); err != nil {
		t.Fatalf("first CreateFileLink: %v", err)
	}
	if err := lfs.CreateFileLink(targetB, linkPath); err != nil {
		t.Fatalf("second CreateFileLink (replace): %v", err)
	}

	got, err := lfs.ReadLinkTarget(linkPath)
	if err != nil {
		t.Fatalf("ReadLinkTarget: %v", err)
	}
	if got != targetB {
		t.Errorf("link still points at the old target: got %q, want %q", got, targetB)
	}
}

func TestCopyTimes(t *testing.T) {
	lfs := New()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.var")
	dst := filepath.Join(dir, "dst.var")
	os.WriteFile(src, []byte("x"), 0o644)
	os.WriteFile(dst, []byte("y"), 0o644)

	if err := lfs.CopyTimes(src, dst); err != nil {
		t.Fatalf("CopyTimes: %v", err)
	}
}

func TestIsProcessRunningDoesNotError(t *testing.T) {
	lfs := New()
	if _, err := lfs.IsProcessRunning("definitely-not-a-real-process-name"); err != nil {
		t.Fatalf("IsProcessRunning: %v", err)
	}
}
