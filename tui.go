package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorSubtle    = lipgloss.Color("240")
	colorHighlight = lipgloss.Color("81")
	colorError     = lipgloss.Color("196")
	colorSuccess   = lipgloss.Color("40")
)

var (
	docStyle          = lipgloss.NewStyle().Margin(1, 2)
	titleStyle        = lipgloss.NewStyle().Foreground(colorHighlight).Bold(true)
	helpStyle         = lipgloss.NewStyle().Foreground(colorSubtle)
	errorStyle        = lipgloss.NewStyle().Foreground(colorError)
	successStyle      = lipgloss.NewStyle().Foreground(colorSuccess)
	selectedItemStyle = lipgloss.NewStyle().Foreground(colorHighlight)
	disabledStyle     = lipgloss.NewStyle().Foreground(colorSubtle)
	dialogStyle       = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorHighlight).
				Padding(0, 1)
)

type devicesMsg struct {
	devices []DeviceDescriptor
	changed bool
}

// openedMsg is a snapshot of the session taken on the event loop.
type openedMsg struct {
	ok       bool
	title    string
	path     string
	unlocked bool
	keys     []KeyPos
}

type uiLockMsg bool

type progressMsg UnlockProgress

type finishedMsg UnlockResult

type actionDoneMsg struct {
	what string
	err  error
}

// tuiHost forwards core notifications into the bubbletea program.
type tuiHost struct {
	send func(tea.Msg)
}

func (h *tuiHost) DevicesUpdated(devices []DeviceDescriptor, changed bool) {
	h.send(devicesMsg{devices: devices, changed: changed})
}

func (h *tuiHost) DeviceOpened(s *Session) {
	if s == nil {
		h.send(openedMsg{})
		return
	}
	h.send(openedMsg{
		ok:       true,
		title:    s.Title(),
		path:     s.Desc.Path,
		unlocked: s.UnlockStatus() == 1,
		keys:     s.UnlockKeys(),
	})
}

func (h *tuiHost) LockUI()                         { h.send(uiLockMsg(true)) }
func (h *tuiHost) UnlockUI()                       { h.send(uiLockMsg(false)) }
func (h *tuiHost) UnlockProgress(p UnlockProgress) { h.send(progressMsg(p)) }
func (h *tuiHost) UnlockFinished(r UnlockResult)   { h.send(finishedMsg(r)) }

type tuiModel struct {
	ctx     context.Context
	ctrl    *Controller
	history *History

	devices []DeviceDescriptor
	cursor  int
	current openedMsg
	locked  bool

	unlocking bool
	bar       progress.Model
	progValue int
	progMax   int
	holdKeys  []KeyPos

	status string
	err    error
}

func newTUIModel(ctx context.Context, ctrl *Controller, history *History) tuiModel {
	return tuiModel{
		ctx:     ctx,
		ctrl:    ctrl,
		history: history,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		progMax: 1,
	}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case devicesMsg:
		m.devices = msg.devices
		if m.cursor >= len(m.devices) {
			m.cursor = max(len(m.devices)-1, 0)
		}
		return m, nil
	case openedMsg:
		m.current = msg
		m.holdKeys = msg.keys
		if msg.ok {
			m.status = "Opened " + msg.title
		} else {
			m.status = "No device selected"
		}
		return m, nil
	case uiLockMsg:
		m.locked = bool(msg)
		return m, nil
	case progressMsg:
		m.unlocking = true
		m.progValue, m.progMax = msg.Value, msg.Max
		if len(msg.Keys) > 0 {
			m.holdKeys = msg.Keys
		}
		return m, nil
	case finishedMsg:
		m.unlocking = false
		m.progValue, m.progMax = 0, 1
		if msg.State == UnlockUnlocked {
			m.current.unlocked = true
			m.err = nil
			m.status = "Keyboard unlocked"
		} else {
			m.status = "Unlock " + msg.State.String()
			m.err = msg.Err
		}
		return m, nil
	case actionDoneMsg:
		if msg.what == "unlock" || msg.what == "reboot to bootloader" {
			// Short-circuited attempts finish without an UnlockFinished.
			m.unlocking = false
			m.progValue, m.progMax = 0, 1
		}
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %w", msg.what, msg.err)
		} else {
			m.err = nil
			m.status = msg.what + " done"
			if msg.what == "lock" {
				m.current.unlocked = false
			}
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "c", "esc":
		ctx := m.ctx
		return m, func() tea.Msg {
			return actionDoneMsg{what: "cancel", err: m.ctrl.CancelUnlock(ctx)}
		}
	}
	if m.locked {
		return m, nil
	}

	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
	case "enter":
		m.ctrl.Select(m.ctx, m.cursor)
		m.status = "Opening..."
	case "r":
		m.ctrl.Registry.Update(false, true)
		m.status = "Refreshing..."
	case "u":
		m.status = "Unlocking..."
		return m, m.runAction("unlock", func(ctx context.Context) error {
			res, err := m.ctrl.Unlock(ctx)
			if err != nil {
				return err
			}
			return res.Err
		})
	case "l":
		return m, m.runAction("lock", m.ctrl.LockDevice)
	case "b":
		return m, m.runAction("reboot to bootloader", m.ctrl.RebootToBootloader)
	}
	return m, nil
}

func (m tuiModel) runAction(what string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionDoneMsg{what: what, err: fn(ctx)}
	}
}

func (m tuiModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("vialctl"))
	b.WriteString("\n\n")

	if len(m.devices) == 0 {
		b.WriteString(helpStyle.Render("No Vial or VIA keyboards found."))
		b.WriteString("\n")
	}
	for i, d := range m.devices {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == m.cursor {
			cursor = "> "
			style = selectedItemStyle
		}
		if m.locked {
			style = disabledStyle
		}
		mark := ""
		if m.current.ok && m.current.path == d.Path {
			mark = " *"
		}
		b.WriteString(style.Render(fmt.Sprintf("%s%s [%s]%s", cursor, d.Title, d.Kind, mark)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.current.ok {
		state := errorStyle.Render("locked")
		if m.current.unlocked {
			state = successStyle.Render("unlocked")
		}
		b.WriteString(fmt.Sprintf("Current: %s (%s)\n", m.current.title, state))
	}

	if m.unlocking {
		var d strings.Builder
		d.WriteString("Press and hold the following keys until the bar fills up:\n")
		for _, k := range m.holdKeys {
			d.WriteString(fmt.Sprintf("  row %d, col %d\n", k.Row, k.Col))
		}
		pct := 0.0
		if m.progMax > 0 {
			pct = float64(m.progValue) / float64(m.progMax)
		}
		d.WriteString(m.bar.ViewAs(pct))
		d.WriteString("\n")
		d.WriteString(helpStyle.Render("c: cancel"))
		b.WriteString(dialogStyle.Render(d.String()))
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	if m.history != nil {
		for _, e := range m.history.Events(5) {
			b.WriteString(helpStyle.Render(fmt.Sprintf("%s %s %s", e.Timestamp.Format("15:04:05"), e.Type, e.Message)))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("up/down: move  enter: open  u: unlock  l: lock  b: bootloader  r: refresh  q: quit"))
	return docStyle.Render(b.String())
}

// runTUI runs the controller with the terminal host until the user quits.
func runTUI(ctx context.Context, ctrl *Controller, history *History) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newTUIModel(ctx, ctrl, history), tea.WithContext(ctx), tea.WithAltScreen())
	ctrl.AddHost(&tuiHost{send: p.Send})

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()

	_, err := p.Run()
	cancel()
	<-errc
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
