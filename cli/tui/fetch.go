package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/wadostream/types"
)

const barWidth = 30

// EventMsg delivers one load event to the fetch view.
type EventMsg types.Event

// DoneMsg ends the fetch view.
type DoneMsg struct{}

// imageProgress is the fetch view state of one image.
type imageProgress struct {
	imageID string
	state   string
	status  types.FrameStatus
	final   bool
	frames  int
	loaded  int64
	total   int64
	err     string
}

// FetchModel is a Bubble Tea model showing live load progress.
type FetchModel struct {
	order    []string
	images   map[string]*imageProgress
	done     bool
	quitting bool
	width    int
}

// NewFetchModel creates a fetch model for the given images.
func NewFetchModel(imageIDs []string) FetchModel {
	m := FetchModel{images: make(map[string]*imageProgress, len(imageIDs))}
	for _, id := range imageIDs {
		m.track(id)
	}
	return m
}

func (m *FetchModel) track(imageID string) *imageProgress {
	p, ok := m.images[imageID]
	if !ok {
		p = &imageProgress{imageID: imageID, state: "queued"}
		m.images[imageID] = p
		m.order = append(m.order, imageID)
	}
	return p
}

// Init implements tea.Model.
func (m FetchModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m FetchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case EventMsg:
		m.apply(types.Event(msg))
		return m, nil

	case DoneMsg:
		m.done = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *FetchModel) apply(ev types.Event) {
	p := m.track(ev.ImageID)
	if f := ev.Frame; f != nil {
		p.status = f.Status
		p.final = f.Final
		p.loaded = f.LoadedBytes
		p.total = f.TotalBytes
	}
	switch ev.Type {
	case types.EventLoadStarted:
		p.state = "loading"
	case types.EventStreamPartial, types.EventStreamComplete:
		p.frames++
	case types.EventImageLoaded:
		if p.frames == 0 {
			p.frames = 1
		}
		p.state = "loaded"
		if !p.final {
			p.state = "paused"
		}
	case types.EventLoadFailed:
		p.state = "failed"
		if ev.Err != nil {
			p.err = ev.Err.Error()
		}
	}
}

// View implements tea.Model.
func (m FetchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Fetching"))
	b.WriteString("\n")

	for _, id := range m.order {
		p := m.images[id]
		line := fmt.Sprintf("%s %s %s %s",
			StateStyle(p.state).Width(8).Render(p.state),
			progressBar(p.loaded, p.total, barWidth),
			StateStyle(string(p.status)).Width(8).Render(string(p.status)),
			id,
		)
		b.WriteString(line)
		b.WriteString("\n")
		if p.err != "" {
			b.WriteString("         " + ErrorStyle.Render(p.err) + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.renderTotals())

	help := "Press q or Ctrl+C to quit"
	if m.done {
		help = "Done"
	}
	return b.String() + "\n" + HelpStyle.Render(help)
}

func (m FetchModel) renderTotals() string {
	var loaded, failed, active int
	for _, p := range m.images {
		switch p.state {
		case "loaded":
			loaded++
		case "failed":
			failed++
		case "loading", "paused":
			active++
		}
	}
	boxes := []string{
		renderStatBox("Images", len(m.images), highlightColor),
		renderStatBox("Active", active, warningColor),
		renderStatBox("Loaded", loaded, successColor),
		renderStatBox("Failed", failed, errorColor),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func renderStatBox(label string, value int, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// progressBar renders loaded/total as a fixed-width bar. An unknown total
// renders the byte count only.
func progressBar(loaded, total int64, width int) string {
	if total <= 0 {
		return fmt.Sprintf("%-*s", width+7, fmt.Sprintf("%d B", loaded))
	}
	filled := int(loaded * int64(width) / total)
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	pct := loaded * 100 / total
	return fmt.Sprintf("%s %4d%%", lipgloss.NewStyle().Foreground(highlightColor).Render(bar), pct)
}

// RunFetch shows live progress for events until the channel closes. The
// returned error is the program error; load failures are shown, not
// returned.
func RunFetch(imageIDs []string, events <-chan types.Event) error {
	p := tea.NewProgram(NewFetchModel(imageIDs))
	go func() {
		for ev := range events {
			p.Send(EventMsg(ev))
		}
		p.Send(DoneMsg{})
	}()
	_, err := p.Run()
	return err
}
