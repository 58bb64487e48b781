package looprun

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxProgressLogLines is the rotation threshold: once the log exceeds this
// many lines, it is rotated, preserving any "## Codebase Patterns" section
// so accumulated learnings survive rotation.
const maxProgressLogLines = 500

const codebasePatternsHeader = "## Codebase Patterns"

// ProgressLog is an append-only, line-rotating log of everything observed
// during a loop run: iteration markers, agent output lines, and outcome
// summaries. Modeled on adaf's debug.Logger (single append-mode file,
// lazily opened, safe for concurrent Append calls) but rotates instead of
// growing unbounded, per spec's progress-log rotation requirement.
type ProgressLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	lines int
}

// OpenProgressLog opens (creating if necessary) the progress log at path.
func OpenProgressLog(path string) (*ProgressLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("looprun: opening progress log: %w", err)
	}
	lines, _ := countLines(path)
	return &ProgressLog{path: path, file: f, lines: lines}, nil
}

// Append writes one line (timestamped) to the log, rotating first if the
// line count is already at the threshold.
func (p *ProgressLog) Append(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lines >= maxProgressLogLines {
		p.rotateLocked()
	}

	stamped := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
	if _, err := p.file.WriteString(stamped); err == nil {
		p.lines++
	}
}

// Close closes the underlying file.
func (p *ProgressLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}

// rotateLocked renames the current log to progress-N.txt (smallest unused
// N in the log's directory), then starts a fresh log carrying forward the
// "## Codebase Patterns" section (if present) and a one-line reference
// back to the rotated file. Caller must hold p.mu.
func (p *ProgressLog) rotateLocked() {
	patterns := p.extractPatternsLocked()
	p.file.Close()

	archivePath := p.nextArchivePathLocked()
	if err := os.Rename(p.path, archivePath); err != nil {
		// Best effort: if the rename fails, keep appending to the old file
		// rather than lose it.
		f, _ := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		p.file = f
		return
	}

	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		f, _ = os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		p.file = f
		return
	}
	p.file = f
	p.lines = 0

	fmt.Fprintf(f, "(rotated from %s)\n", filepath.Base(archivePath))
	p.lines++

	if patterns != "" {
		f.WriteString(codebasePatternsHeader + "\n")
		f.WriteString(patterns)
		f.WriteString("\n")
		p.lines += strings.Count(patterns, "\n") + 1
	}
}

// nextArchivePathLocked returns the path for the smallest-N progress-N.txt
// that does not yet exist in the log's directory. Caller must hold p.mu.
func (p *ProgressLog) nextArchivePathLocked() string {
	dir := filepath.Dir(p.path)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("progress-%d.txt", n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// extractPatternsLocked reads the current log and returns the body text
// under "## Codebase Patterns", if any. Caller must hold p.mu.
func (p *ProgressLog) extractPatternsLocked() string {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return ""
	}
	text := string(raw)
	idx := strings.Index(text, codebasePatternsHeader)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(codebasePatternsHeader):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if next := strings.Index(rest, "\n## "); next >= 0 {
		rest = rest[:next]
	}
	return strings.TrimRight(rest, "\n")
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
