// internal/tui/dash.go
//
// This is the live session dashboard for churn. It uses bubbletea,
// which follows The Elm Architecture: the Dash model holds all state,
// Update reacts to messages, and View renders the current state.
//
// Session data is re-read from the store on a timer tick and whenever
// fsnotify reports that the store file changed on disk.

package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"github.com/churnlabs/churn/internal/state"
)

const refreshInterval = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("241"))
	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

type refreshMsg struct {
	records []state.Record
	err     error
}

type storeChangedMsg struct{}

type tickMsg time.Time

type stopDoneMsg struct {
	session string
	err     error
}

// Stopper ends a running session; injected so tests avoid tmux.
type Stopper func(store *state.Store, session string) (state.Record, error)

// Dash is the dashboard model. It holds all mutable UI state.
type Dash struct {
	store   *state.Store
	stopper Stopper
	spin    spinner.Model
	watcher *fsnotify.Watcher

	records   []state.Record
	selection int
	statusMsg string
	err       error
	width     int
}

// NewDash builds the dashboard over an open store handle.
func NewDash(store *state.Store, stop Stopper) *Dash {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = runningStyle
	return &Dash{store: store, stopper: stop, spin: sp}
}

// Init starts the spinner, the refresh timer, and the store-file watch.
func (d *Dash) Init() tea.Cmd {
	cmds := []tea.Cmd{d.spin.Tick, d.refresh(), tick()}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(d.store.Dir()); err == nil {
			d.watcher = watcher
			cmds = append(cmds, d.waitForChange())
		} else {
			watcher.Close()
		}
	}
	return tea.Batch(cmds...)
}

// waitForChange blocks until the store file is rewritten, then reports it.
func (d *Dash) waitForChange() tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case event, ok := <-d.watcher.Events:
				if !ok {
					return nil
				}
				// Atomic writes land as a rename onto sessions.json.
				if filepath.Base(event.Name) == filepath.Base(d.store.Path()) {
					return storeChangedMsg{}
				}
			case _, ok := <-d.watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func (d *Dash) refresh() tea.Cmd {
	return func() tea.Msg {
		records, err := d.store.List()
		return refreshMsg{records: records, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles one message and returns the next model state.
func (d *Dash) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		return d, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if d.watcher != nil {
				d.watcher.Close()
			}
			return d, tea.Quit
		case "up", "k":
			if d.selection > 0 {
				d.selection--
			}
			return d, nil
		case "down", "j":
			if d.selection < len(d.records)-1 {
				d.selection++
			}
			return d, nil
		case "s":
			return d, d.stopSelected()
		case "r":
			return d, d.refresh()
		}
		return d, nil

	case tickMsg:
		return d, tea.Batch(d.refresh(), tick())

	case storeChangedMsg:
		return d, tea.Batch(d.refresh(), d.waitForChange())

	case refreshMsg:
		d.err = msg.err
		if msg.err == nil {
			d.records = msg.records
			if d.selection >= len(d.records) {
				d.selection = max(0, len(d.records)-1)
			}
		}
		return d, nil

	case stopDoneMsg:
		if msg.err != nil {
			d.statusMsg = fmt.Sprintf("stop %s: %v", msg.session, msg.err)
		} else {
			d.statusMsg = fmt.Sprintf("stopped %s", msg.session)
		}
		return d, d.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spin, cmd = d.spin.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d *Dash) stopSelected() tea.Cmd {
	if d.stopper == nil || d.selection >= len(d.records) {
		return nil
	}
	rec := d.records[d.selection]
	if rec.Status != state.StatusRunning {
		d.statusMsg = fmt.Sprintf("%s is not running", rec.Name)
		return nil
	}
	return func() tea.Msg {
		_, err := d.stopper(d.store, rec.Name)
		return stopDoneMsg{session: rec.Name, err: err}
	}
}

// View renders the session table.
func (d *Dash) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("churn sessions"))
	b.WriteString("\n")

	if d.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("error: %v", d.err)))
		b.WriteString("\n")
	}

	if len(d.records) == 0 {
		b.WriteString(mutedStyle.Render("no sessions yet · run `churn start` in a project directory"))
		b.WriteString("\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("  %-20s %-10s %-12s %-10s %s",
			"SESSION", "STATUS", "ITERATION", "REMAINING", "LAST TASK")))
		b.WriteString("\n")
		for i, rec := range d.records {
			b.WriteString(d.renderRow(i, rec))
			b.WriteString("\n")
		}
	}

	if d.statusMsg != "" {
		b.WriteString(mutedStyle.Render(d.statusMsg))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("↑/↓ select · s stop · r refresh · q quit"))
	return b.String()
}

func (d *Dash) renderRow(index int, rec state.Record) string {
	marker := " "
	if rec.Status == state.StatusRunning {
		marker = d.spin.View()
	}
	line := fmt.Sprintf("%s %-20s %-10s %-12s %-10d %s",
		marker,
		rec.Name,
		rec.Status,
		fmt.Sprintf("%d/%d", rec.Iteration, rec.MaxIterations),
		rec.RemainingTasks,
		rec.LastTaskID,
	)
	if index == d.selection {
		return selectedStyle.Render(line)
	}
	return statusStyle(rec.Status).Render(line)
}

func statusStyle(status state.Status) lipgloss.Style {
	switch status {
	case state.StatusRunning:
		return runningStyle
	case state.StatusComplete:
		return completeStyle
	case state.StatusFailed, state.StatusStale:
		return failedStyle
	default:
		return mutedStyle
	}
}
