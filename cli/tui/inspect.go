package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/wadostream/framelog"
)

// InspectModel is a Bubble Tea model listing the images of a framelog.
type InspectModel struct {
	summaries []framelog.Summary
	cursor    int
	width     int
	height    int
	quitting  bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(summaries []framelog.Summary) InspectModel {
	return InspectModel{summaries: summaries}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.summaries)-1 {
				m.cursor++
			}
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Framelog: %d images", len(m.summaries))))
	b.WriteString("\n")

	if len(m.summaries) == 0 {
		b.WriteString(HelpStyle.Render("(no records)"))
		return b.String()
	}

	for i, s := range m.summaries {
		marker := "  "
		if i == m.cursor {
			marker = lipgloss.NewStyle().Foreground(highlightColor).Render("> ")
		}
		b.WriteString(fmt.Sprintf("%s%s %s\n", marker, StateStyle(s.Status).Width(8).Render(s.Status), s.ImageID))
	}

	b.WriteString("\n")
	b.WriteString(m.renderDetails(m.summaries[m.cursor]))

	help := HelpStyle.Render("↑/↓ select • q quit")
	return b.String() + "\n" + help
}

func (m InspectModel) renderDetails(s framelog.Summary) string {
	rows := [][]string{
		{"Image", s.ImageID},
		{"Status", s.Status},
		{"Frames", fmt.Sprintf("%d", s.Frames)},
		{"Bytes", fmt.Sprintf("%d", s.Bytes)},
		{"Total Bytes", fmt.Sprintf("%d", s.TotalBytes)},
		{"Content Type", s.ContentType},
		{"Syntax", s.TransferSyntax},
	}
	if s.Error != "" {
		rows = append(rows, []string{"Error", s.Error})
	}

	var b strings.Builder
	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		value := ValueStyle.Render(row[1])
		if row[0] == "Status" {
			value = StateStyle(s.Status).Render(row[1])
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}
	return BoxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// RunInspectTUI runs the inspect TUI over []framelog.Summary data.
func RunInspectTUI(data any) error {
	summaries, ok := data.([]framelog.Summary)
	if !ok {
		return fmt.Errorf("invalid data type for %s: %T", ViewInspectFramelog, data)
	}
	p := tea.NewProgram(NewInspectModel(summaries), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(summaries []framelog.Summary) string {
	model := NewInspectModel(summaries)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
