package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/proc"
	"github.com/wippyai/wasix-runtime/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	suspendedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	finishedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const refreshInterval = 500 * time.Millisecond

type procRow struct {
	pid     uint32
	parent  uint32
	state   proc.ThreadState
	threads int
	exit    string
}

type monitorModel struct {
	rt       *runtime.Runtime
	root     *proc.Process
	rows     []procRow
	selected int

	input    textinput.Model
	entering bool

	done     bool
	exitCode uint32
	status   string
}

func newMonitorModel(rt *runtime.Runtime, root *proc.Process) *monitorModel {
	ti := textinput.New()
	ti.Prompt = "signal: "
	ti.Placeholder = "number"
	ti.Width = 10

	m := &monitorModel{rt: rt, root: root, input: ti}
	m.refresh()
	return m
}

type tickMsg time.Time

type rootExitMsg uint32

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) waitRootExit() tea.Msg {
	code, err := m.root.Status().Wait(context.Background())
	if err != nil {
		return rootExitMsg(0)
	}
	return rootExitMsg(code)
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(tick(), m.waitRootExit)
}

func (m *monitorModel) refresh() {
	procs := m.rt.Tree().Processes()
	sort.Slice(procs, func(i, j int) bool { return procs[i].Pid() < procs[j].Pid() })

	rows := make([]procRow, 0, len(procs))
	for _, p := range procs {
		row := procRow{
			pid:     uint32(p.Pid()),
			parent:  uint32(p.Parent()),
			state:   p.MainThread().State(),
			threads: len(p.Threads()),
		}
		if code, ok := p.Status().Poll(); ok {
			row.exit = strconv.FormatUint(uint64(code), 10)
		}
		rows = append(rows, row)
	}
	m.rows = rows
	if m.selected >= len(rows) {
		m.selected = len(rows) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m *monitorModel) selectedProcess() *proc.Process {
	if m.selected >= len(m.rows) {
		return nil
	}
	p, ok := m.rt.Tree().Lookup(abi.Pid(m.rows[m.selected].pid))
	if !ok {
		return nil
	}
	return p
}

func (m *monitorModel) deliver(s proc.Signal) {
	p := m.selectedProcess()
	if p == nil {
		return
	}
	p.Deliver(s)
	m.status = fmt.Sprintf("sent %s to pid %d", s, p.Pid())
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.entering {
			switch msg.String() {
			case "enter":
				if n, err := strconv.Atoi(m.input.Value()); err == nil && n > 0 {
					m.deliver(proc.Signal(n))
				}
				m.entering = false
				m.input.SetValue("")
				return m, nil
			case "esc":
				m.entering = false
				m.input.SetValue("")
				return m, nil
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
		case "t":
			m.deliver(proc.Sigterm)
		case "K":
			m.deliver(proc.Sigkill)
		case "i":
			m.deliver(proc.Sigint)
		case "h":
			m.deliver(proc.Sighup)
		case "s":
			m.entering = true
			m.input.Focus()
			return m, textinput.Blink
		}

	case tickMsg:
		m.refresh()
		return m, tick()

	case rootExitMsg:
		m.done = true
		m.exitCode = uint32(msg)
		m.refresh()
	}

	return m, nil
}

func stateCell(s proc.ThreadState) string {
	switch s {
	case proc.ThreadRunning:
		return runningStyle.Render("running")
	case proc.ThreadSuspended:
		return suspendedStyle.Render("suspended")
	default:
		return finishedStyle.Render("finished")
	}
}

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASIX Monitor"))
	b.WriteString("\n\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-6s %-6s %-18s %-8s %s", "PID", "PPID", "STATE", "THREADS", "EXIT")))
	b.WriteString("\n")

	for i, row := range m.rows {
		line := fmt.Sprintf("  %-6d %-6d %-18s %-8d %s",
			row.pid, row.parent, stateCell(row.state), row.threads, row.exit)
		if i == m.selected {
			line = selectedStyle.Render("> " + strings.TrimPrefix(line, "  "))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.entering {
		b.WriteString(m.input.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter send • esc cancel"))
	} else {
		if m.done {
			b.WriteString(finishedStyle.Render(fmt.Sprintf("root exited with code %d", m.exitCode)))
			b.WriteString("\n")
		}
		if m.status != "" {
			b.WriteString(helpStyle.Render(m.status))
			b.WriteString("\n")
		}
		b.WriteString(helpStyle.Render("↑/↓ select • t term • K kill • i int • h hup • s custom • q quit"))
	}

	return b.String()
}

func runMonitor(rt *runtime.Runtime, root *proc.Process) error {
	p := tea.NewProgram(newMonitorModel(rt, root), tea.WithAltScreen())
	m, err := p.Run()
	if err != nil {
		return err
	}
	if mm, ok := m.(*monitorModel); ok && mm.done {
		fmt.Printf("exit code %d\n", mm.exitCode)
	}
	return nil
}
