package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/nep-sign/bridge"
	"github.com/wippyai/nep-sign/signer"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	opStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	fieldStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func consoleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive console for signing requests against the loaded module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return errors.New("console needs a terminal; use `nepsign sign` in scripts")
			}
			p := tea.NewProgram(newConsoleModel(a), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}
}

type consoleOp struct {
	name   string
	method signer.Method
	fields []string
}

var consoleOps = []consoleOp{
	{name: "SignPost", method: signer.MethodPost, fields: []string{"url", "content"}},
	{name: "SignGet", method: signer.MethodGet, fields: []string{"url"}},
	{name: "Stats"},
}

type consoleState int

const (
	stateSelectOp consoleState = iota
	stateInputArgs
	stateShowResult
)

type consoleModel struct {
	err      error
	app      *app
	bridge   *bridge.Bridge
	signer   *signer.Signer
	result   string
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    consoleState
}

func newConsoleModel(a *app) *consoleModel {
	return &consoleModel{app: a, state: stateSelectOp}
}

type loadedMsg struct {
	err error
	b   *bridge.Bridge
}

type callResultMsg struct {
	err    error
	result string
}

func (m *consoleModel) Init() tea.Cmd {
	return m.load
}

func (m *consoleModel) load() tea.Msg {
	b, err := m.app.openBridge(context.Background())
	return loadedMsg{b: b, err: err}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.quit()

		case "q":
			if m.state != stateInputArgs {
				return m, m.quit()
			}

		case "up":
			if m.state == stateSelectOp && m.selected > 0 {
				m.selected--
			}

		case "down":
			if m.state == stateSelectOp && m.selected < len(consoleOps)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectOp:
				if m.bridge == nil {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.call
				}
				m.state = stateInputArgs
				return m, textinput.Blink

			case stateInputArgs:
				return m, m.call

			case stateShowResult:
				m.reset()
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectOp
				m.inputs = nil
			case stateShowResult:
				m.reset()
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.bridge = msg.b
		m.signer = signer.New(msg.b)

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m *consoleModel) quit() tea.Cmd {
	if m.bridge != nil {
		_ = m.bridge.Close(context.Background())
		m.bridge = nil
	}
	return tea.Quit
}

func (m *consoleModel) reset() {
	m.state = stateSelectOp
	m.result = ""
	m.err = nil
	m.inputs = nil
}

func (m *consoleModel) prepareInputs() {
	op := consoleOps[m.selected]
	m.inputs = make([]textinput.Model, len(op.fields))
	for i, f := range op.fields {
		ti := textinput.New()
		ti.Prompt = f + ": "
		ti.Placeholder = "string"
		ti.Width = 60
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *consoleModel) call() tea.Msg {
	op := consoleOps[m.selected]
	if op.method == "" {
		return callResultMsg{result: formatStats(m.bridge.Stats())}
	}

	req := signer.Request{Method: op.method}
	for i, f := range op.fields {
		switch f {
		case "url":
			req.URL = m.inputs[i].Value()
		case "content":
			req.Content = m.inputs[i].Value()
		}
	}

	res := m.signer.Sign(context.Background(), req)
	if !res.Success {
		return callResultMsg{err: fmt.Errorf("%s: %s", res.ErrorKind, res.Message)}
	}
	return callResultMsg{result: fmt.Sprintf("%s\n\npath: %s", res.SignedURL, res.Path)}
}

func formatStats(st bridge.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "module:        %s\n", st.Module)
	fmt.Fprintf(&b, "init:          %s\n", st.Init)
	fmt.Fprintf(&b, "offsets:       %s (%s)\n", st.Offsets, st.OffsetSource)
	fmt.Fprintf(&b, "requests:      %d\n", st.Requests)
	fmt.Fprintf(&b, "fallbacks:     %d\n", st.Fallbacks)
	fmt.Fprintf(&b, "aborts:        %d\n", st.Aborts)
	fmt.Fprintf(&b, "reloads:       %d\n", st.Reloads)
	fmt.Fprintf(&b, "poisoned:      %t\n", st.Poisoned)
	fmt.Fprintf(&b, "live objects:  %d\n", st.LiveObjects)
	if len(st.CallOuts) > 0 {
		b.WriteString("call-outs:\n")
		for _, c := range st.CallOuts {
			fmt.Fprintf(&b, "  %4d  %s\n", c.Count, c.Signature)
		}
	}
	return b.String()
}

func (m *consoleModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.bridge == nil {
		return "Loading signing module..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("nepsign"))
	b.WriteString(" ")
	b.WriteString(m.app.cfg.Module.Path)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectOp:
		b.WriteString("Select an operation:\n\n")
		for i, op := range consoleOps {
			line := formatOp(op)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter run • q quit"))

	case stateInputArgs:
		op := consoleOps[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", opStyle.Render(op.name)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter run • esc back"))

	case stateShowResult:
		op := consoleOps[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", opStyle.Render(op.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}
	return b.String()
}

func formatOp(op consoleOp) string {
	params := make([]string, len(op.fields))
	for i, f := range op.fields {
		params[i] = fieldStyle.Render(f)
	}
	return opStyle.Render(op.name) + "(" + strings.Join(params, ", ") + ")"
}
