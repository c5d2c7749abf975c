package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cbegin/beatgrid-go"
)

const tempoStep = 5

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5fd7ff")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c6c6c"))
	nameStyle   = lipgloss.NewStyle().Width(12)
	onStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffaf00"))
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4e4e4e"))
	headStyle   = lipgloss.NewStyle().Background(lipgloss.Color("#303030"))
	cursorStyle = lipgloss.NewStyle().Reverse(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
)

type machineMsg beatgrid.Event

func listen(events <-chan beatgrid.Event) tea.Cmd {
	return func() tea.Msg {
		return machineMsg(<-events)
	}
}

type model struct {
	machine *beatgrid.Machine
	events  <-chan beatgrid.Event
	row     int
	col     int
	status  string
	err     error
}

func newModel(m *beatgrid.Machine) model {
	return model{machine: m, events: m.Watch()}
}

func (m model) Init() tea.Cmd {
	return listen(m.events)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.err = nil
		grid := m.machine.Grid()
		switch msg.String() {
		case "q", "ctrl+c":
			_ = m.machine.Stop()
			return m, tea.Quit
		case "up", "k":
			m.row = max(0, m.row-1)
		case "down", "j":
			m.row = min(len(grid.Tracks)-1, m.row+1)
		case "left", "h":
			m.col = max(0, m.col-1)
		case "right", "l":
			m.col = min(grid.Steps()-1, m.col+1)
		case " ", "enter":
			_, m.err = m.machine.Toggle(m.row, m.col)
		case "p":
			m.err = m.togglePlayback()
		case "x":
			n := m.machine.Panic()
			m.status = fmt.Sprintf("panic: dropped %d hits", n)
		case "+", "=":
			m.err = m.machine.SetBPM(m.machine.Tempo().BPM + tempoStep)
		case "-", "_":
			if bpm := m.machine.Tempo().BPM - tempoStep; bpm > 0 {
				m.err = m.machine.SetBPM(bpm)
			}
		}
	case machineMsg:
		switch msg.Kind {
		case beatgrid.EventLoadFailed, beatgrid.EventVoiceUnavailable:
			m.status = fmt.Sprintf("voice %s unavailable", msg.Voice)
		case beatgrid.EventRejected:
			m.status = fmt.Sprintf("late hit dropped (%s)", msg.Voice)
		}
		return m, listen(m.events)
	}
	return m, nil
}

// togglePlayback starts or stops the machine. The first start opens the audio
// output, which is why it happens on a key press and not at launch.
func (m *model) togglePlayback() error {
	if m.machine.Playing() {
		return m.machine.Stop()
	}
	if !m.machine.Ready() {
		if err := m.machine.Activate(); err != nil {
			return err
		}
	}
	return m.machine.Play()
}

func (m model) View() string {
	grid := m.machine.Grid()
	tempo := m.machine.Tempo()
	beats := tempo.BeatsPerLoop()
	perBeat := max(1, grid.Steps()/max(1, beats))
	perBar := perBeat * tempo.BeatsPerBar

	state := "STOP"
	if m.machine.Playing() {
		state = "PLAY"
	}
	head := m.machine.PlayHead()

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("beatgrid  %s  %3.0f bpm  beat %02d/%02d", state, tempo.BPM, head+1, beats)))
	b.WriteString("\n\n")
	for r, tr := range grid.Tracks {
		b.WriteString(nameStyle.Render(tr.Name))
		for c, on := range tr.Steps {
			if c > 0 && c%perBar == 0 {
				b.WriteString(" ")
			}
			cell := offStyle.Render("·")
			if on {
				cell = onStyle.Render("■")
			}
			switch {
			case r == m.row && c == m.col:
				cell = cursorStyle.Render(cell)
			case m.machine.Playing() && c/perBeat == head:
				cell = headStyle.Render(cell)
			}
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()))
		b.WriteString("\n")
	} else if m.status != "" {
		b.WriteString(dimStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("arrows/hjkl:move  space:toggle  p:play/stop  +/-:tempo  x:panic  q:quit"))
	return b.String()
}
