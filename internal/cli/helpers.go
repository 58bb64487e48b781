package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/ralphrun/ralph/internal/registry"
)

// ANSI color codes, carried from adaf's internal/cli idiom. Blanked out
// when stdout isn't a terminal (piped to a file, captured by another
// process) the same way adaf's root.go gates its own TUI auto-launch on
// isatty.IsTerminal.
var (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"

	styleBoldCyan   = "\033[1;36m"
	styleBoldGreen  = "\033[1;32m"
	styleBoldYellow = "\033[1;33m"
	styleBoldWhite  = "\033[1;37m"
)

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		colorReset, colorBold, colorDim = "", "", ""
		colorRed, colorGreen, colorYellow, colorCyan = "", "", "", ""
		styleBoldCyan, styleBoldGreen, styleBoldYellow, styleBoldWhite = "", "", "", ""
	}
}

// printHeader prints a formatted section header.
func printHeader(title string) {
	fmt.Printf("\n%s%s%s\n", styleBoldCyan, title, colorReset)
	fmt.Println(colorDim + strings.Repeat("-", len(title)+2) + colorReset)
}

// printField prints a labeled field.
func printField(label, value string) {
	fmt.Printf("  %s%-16s%s %s\n", colorBold, label+":", colorReset, value)
}

// dataDir returns the user-scoped data directory holding the registry
// database and the per-loop socket directory (spec §6 "Persisted state
// layout").
func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ralph"), nil
}

// openRegistry opens the default SessionRegistry database.
func openRegistry() (*registry.Registry, error) {
	path, err := registry.DefaultPath()
	if err != nil {
		return nil, err
	}
	return registry.Open(path)
}

// discoverTaskDir implements spec §6's TASK_DIR-omitted resolution: scan
// ./tasks/*/prd.json (excluding any directory named "archived"), and
// either use the single match or ask the caller to disambiguate.
func discoverTaskDir() (string, error) {
	matches, err := filepath.Glob(filepath.Join("tasks", "*", "prd.json"))
	if err != nil {
		return "", err
	}

	var candidates []string
	for _, m := range matches {
		dir := filepath.Dir(m)
		if filepath.Base(dir) == "archived" {
			continue
		}
		candidates = append(candidates, dir)
	}
	sort.Strings(candidates)

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("no tasks/*/prd.json found; pass TASK_DIR explicitly")
	case 1:
		return candidates[0], nil
	default:
		return promptTaskDirChoice(candidates)
	}
}

// promptTaskDirChoice disambiguates multiple tasks/*/prd.json matches. On
// a terminal it drives an interactive bubbletea picker; otherwise (piped
// stdin/stdout, e.g. scripted or non-interactive CI usage) it falls back
// to a plain numbered prompt over fmt.Scanln.
func promptTaskDirChoice(candidates []string) (string, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) {
		return promptTaskDirChoicePlain(candidates)
	}
	return runPicker("Multiple tasks found — choose one:", candidates)
}

func promptTaskDirChoicePlain(candidates []string) (string, error) {
	fmt.Println("Multiple tasks found:")
	for i, c := range candidates {
		fmt.Printf("  %d) %s\n", i+1, c)
	}
	fmt.Print("Select a task: ")

	var choice int
	if _, err := fmt.Scanln(&choice); err != nil {
		return "", fmt.Errorf("reading selection: %w", err)
	}
	if choice < 1 || choice > len(candidates) {
		return "", fmt.Errorf("invalid selection %d", choice)
	}
	return candidates[choice-1], nil
}

// taskNameFor derives the registry task name from a task directory: the
// directory's base name, which is also the convention prd.json's own
// "taskDir" field is expected to agree with.
func taskNameFor(taskDir string) string {
	return filepath.Base(strings.TrimRight(taskDir, string(filepath.Separator)))
}

func prdPathFor(taskDir string) string {
	return filepath.Join(taskDir, "prd.json")
}

// resolveTaskDir resolves args[0] (if present) to a task directory,
// otherwise falls back to discovery.
func resolveTaskDir(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		dir := args[0]
		if _, err := os.Stat(prdPathFor(dir)); err != nil {
			return "", fmt.Errorf("no prd.json found under %s: %w", dir, err)
		}
		return dir, nil
	}
	return discoverTaskDir()
}

// resolveTaskName resolves args[0] (if present) as either a task directory
// or a bare registry task name, for commands (stop/checkpoint) that only
// need the name, not the PRD itself.
func resolveTaskName(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		arg := args[0]
		if _, err := os.Stat(prdPathFor(arg)); err == nil {
			return taskNameFor(arg), nil
		}
		return arg, nil
	}
	dir, err := discoverTaskDir()
	if err != nil {
		return "", err
	}
	return taskNameFor(dir), nil
}
