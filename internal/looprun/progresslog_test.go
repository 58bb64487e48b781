package looprun

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProgressLogRotatesToNumberedArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.txt")

	p, err := OpenProgressLog(path)
	if err != nil {
		t.Fatalf("OpenProgressLog: %v", err)
	}

	p.Append(codebasePatternsHeader)
	p.Append("- keep using table-driven tests")
	for i := 0; i < maxProgressLogLines; i++ {
		p.Append("filler line")
	}
	p.Close()

	archivePath := filepath.Join(dir, "progress-1.txt")
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("expected rotated archive at %s: %v", archivePath, err)
	}

	fresh, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading fresh log: %v", err)
	}
	freshText := string(fresh)
	if !strings.Contains(freshText, "rotated from progress-1.txt") {
		t.Fatalf("expected fresh log to reference rotated file, got: %q", freshText)
	}
	if !strings.Contains(freshText, codebasePatternsHeader) {
		t.Fatalf("expected fresh log to carry forward codebase patterns section, got: %q", freshText)
	}
	if !strings.Contains(freshText, "keep using table-driven tests") {
		t.Fatalf("expected fresh log to retain prior pattern content, got: %q", freshText)
	}

	archived, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if !strings.Contains(string(archived), "filler line") {
		t.Fatalf("expected archive to retain the rotated-out iteration history")
	}
}

func TestProgressLogRotationPicksSmallestUnusedNumber(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.txt")

	if err := os.WriteFile(filepath.Join(dir, "progress-1.txt"), []byte("old\n"), 0644); err != nil {
		t.Fatalf("seeding progress-1.txt: %v", err)
	}

	p, err := OpenProgressLog(path)
	if err != nil {
		t.Fatalf("OpenProgressLog: %v", err)
	}
	for i := 0; i <= maxProgressLogLines; i++ {
		p.Append("filler line")
	}
	p.Close()

	if _, err := os.Stat(filepath.Join(dir, "progress-2.txt")); err != nil {
		t.Fatalf("expected rotation to skip the already-used progress-1.txt and use progress-2.txt: %v", err)
	}
}
