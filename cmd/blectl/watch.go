package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-ble/internal/api"
	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

// linkActions is the part of Client the watch view drives.
type linkActions interface {
	Scan(ctx context.Context) (link.ScanResult, error)
	ConnectAll(ctx context.Context) (api.BulkResponse, error)
	DisconnectAll(ctx context.Context) (api.BulkResponse, error)
	Toggle(ctx context.Context, id string) (device.ConnectionState, error)
}

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Scan       key.Binding
	Connect    key.Binding
	Disconnect key.Binding
	Toggle     key.Binding
	Quit       key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Scan: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "scan"),
		),
		Connect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "connect all"),
		),
		Disconnect: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "disconnect all"),
		),
		Toggle: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "toggle"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) help() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Scan, k.Connect, k.Disconnect, k.Toggle, k.Quit}
}

// Messages.
type (
	snapshotMsg []device.Device
	resultMsg   string
	errMsg      struct{ err error }
	watchEndMsg struct{ err error }
)

type watchModel struct {
	actions linkActions
	keys    keyMap
	timeout time.Duration

	devices  []device.Device
	cursor   int
	busy     string
	status   string
	err      error
	lastSync time.Time
}

func newWatchModel(actions linkActions, timeout time.Duration) *watchModel {
	return &watchModel{
		actions: actions,
		keys:    defaultKeyMap(),
		timeout: timeout,
		status:  "waiting for first snapshot",
	}
}

func (*watchModel) Init() tea.Cmd {
	return nil
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		m.devices = msg
		m.lastSync = time.Now()
		if m.cursor >= len(m.devices) {
			m.cursor = max(len(m.devices)-1, 0)
		}
		if m.busy == "" && m.err == nil && m.status == "waiting for first snapshot" {
			m.status = ""
		}
		return m, nil

	case resultMsg:
		m.busy = ""
		m.err = nil
		m.status = string(msg)
		return m, nil

	case errMsg:
		m.busy = ""
		m.err = msg.err
		return m, nil

	case watchEndMsg:
		m.err = fmt.Errorf("live updates stopped: %w", msg.err)
		return m, nil
	}
	return m, nil
}

func (m *watchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
		return m, nil
	}

	// One request at a time; the service would reject overlaps anyway.
	if m.busy != "" {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Scan):
		return m.start("scanning", func(ctx context.Context) (string, error) {
			res, err := m.actions.Scan(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("scan: %d accepted, %d ignored", res.Accepted, res.Ignored), nil
		})
	case key.Matches(msg, m.keys.Connect):
		return m.start("connecting all", func(ctx context.Context) (string, error) {
			res, err := m.actions.ConnectAll(ctx)
			return bulkSummary(res), err
		})
	case key.Matches(msg, m.keys.Disconnect):
		return m.start("disconnecting all", func(ctx context.Context) (string, error) {
			res, err := m.actions.DisconnectAll(ctx)
			return bulkSummary(res), err
		})
	case key.Matches(msg, m.keys.Toggle):
		if len(m.devices) == 0 {
			return m, nil
		}
		d := m.devices[m.cursor]
		return m.start("toggling "+displayName(d), func(ctx context.Context) (string, error) {
			state, err := m.actions.Toggle(ctx, d.ID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s is now %s", displayName(d), state), nil
		})
	}
	return m, nil
}

func (m *watchModel) start(label string, fn func(context.Context) (string, error)) (tea.Model, tea.Cmd) {
	m.busy = label
	m.err = nil
	timeout := m.timeout
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		out, err := fn(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return resultMsg(out)
	}
}

func bulkSummary(res api.BulkResponse) string {
	s := fmt.Sprintf("%s: %d succeeded, %d failed", res.Op, res.Succeeded, res.Failed)
	for _, o := range res.Outcomes {
		if o.Error != "" {
			s += fmt.Sprintf("\n  %s: %s", o.DeviceID, o.Error)
		}
	}
	return s
}

func displayName(d device.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func (m *watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Gray Logic BLE"))
	if !m.lastSync.IsZero() {
		b.WriteString(helpStyle.Render("  updated " + m.lastSync.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if len(m.devices) == 0 {
		b.WriteString("no devices discovered; press s to scan\n")
	} else {
		b.WriteString(deviceTable(m.devices, m.cursor))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case m.busy != "":
		b.WriteString(statusStyle.Render(m.busy + "..."))
	case m.err != nil:
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
	case m.status != "":
		b.WriteString(statusStyle.Render(m.status))
	}
	b.WriteString("\n\n")

	parts := make([]string, 0, len(m.keys.help()))
	for _, k := range m.keys.help() {
		h := k.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	b.WriteString(helpStyle.Render(strings.Join(parts, " • ")))
	b.WriteString("\n")
	return b.String()
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Show a live device table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			p := tea.NewProgram(newWatchModel(c, flags.timeout), tea.WithAltScreen(), tea.WithContext(ctx))

			go func() {
				err := c.WatchDevices(ctx, func(devices []device.Device) {
					p.Send(snapshotMsg(devices))
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					p.Send(watchEndMsg{err: err})
				}
			}()

			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("running watch view: %w", err)
			}
			return nil
		},
	}
}
