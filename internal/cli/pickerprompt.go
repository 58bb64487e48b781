package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	pickerCursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	pickerHintStyle   = lipgloss.NewStyle().Faint(true)
)

type pickerKeyMap struct {
	Up, Down, Select, Quit key.Binding
}

var pickerKeys = pickerKeyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k")),
	Down:   key.NewBinding(key.WithKeys("down", "j")),
	Select: key.NewBinding(key.WithKeys("enter")),
	Quit:   key.NewBinding(key.WithKeys("esc", "ctrl+c", "q")),
}

// pickerModel is a minimal one-shot list picker: it renders the candidate
// list, lets the user move a cursor with up/down, and exits the moment
// enter or a quit key is pressed. Not a persistent TUI — this model's
// program runs for the duration of a single "which task did you mean?"
// prompt and nothing else.
type pickerModel struct {
	title   string
	choices []string
	cursor  int
	picked  int
	quit    bool
}

func (m pickerModel) Init() tea.Cmd { return nil }

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch {
	case key.Matches(keyMsg, pickerKeys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(keyMsg, pickerKeys.Down):
		if m.cursor < len(m.choices)-1 {
			m.cursor++
		}
	case key.Matches(keyMsg, pickerKeys.Select):
		m.picked = m.cursor
		return m, tea.Quit
	case key.Matches(keyMsg, pickerKeys.Quit):
		m.quit = true
		return m, tea.Quit
	}
	return m, nil
}

func (m pickerModel) View() string {
	var b strings.Builder
	b.WriteString(m.title + "\n\n")
	for i, choice := range m.choices {
		prefix := "  "
		line := choice
		if i == m.cursor {
			prefix = pickerCursorStyle.Render("> ")
			line = pickerCursorStyle.Render(choice)
		}
		b.WriteString(prefix + line + "\n")
	}
	b.WriteString("\n" + pickerHintStyle.Render("up/down to move, enter to select, esc to cancel") + "\n")
	return b.String()
}

// runPicker drives a pickerModel to completion and returns the chosen
// candidate, or an error if the user cancelled.
func runPicker(title string, choices []string) (string, error) {
	m := pickerModel{title: title, choices: choices}
	p := tea.NewProgram(m)
	final, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("picker: %w", err)
	}
	result := final.(pickerModel)
	if result.quit {
		return "", fmt.Errorf("selection cancelled")
	}
	return result.choices[result.picked], nil
}
