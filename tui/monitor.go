package tui

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/DemiMarie/qubes-core-admin/database"
	"github.com/DemiMarie/qubes-core-admin/naming"
	"github.com/DemiMarie/qubes-core-admin/orphans"
)

// DeviceInspector is the read-only device-mapper surface the monitor
// needs. *devicemapper.Client satisfies it.
type DeviceInspector interface {
	List(ctx context.Context) ([]string, error)
	OpenCount(ctx context.Context, path string) (int, error)
}

// RunLister reads recent runs from the journal. *database.DB satisfies
// it.
type RunLister interface {
	ListRecentRuns(ctx context.Context, limit int) ([]database.Run, error)
}

// OrphanLister reads deferred entries. *orphans.Ledger satisfies it.
type OrphanLister interface {
	List() ([]orphans.Entry, error)
}

// deviceRow is one refreshed line of the device table.
type deviceRow struct {
	Name      string
	Kind      naming.Kind
	OpenCount int
}

// tickMsg drives the periodic refresh.
type tickMsg time.Time

// refreshMsg carries a completed data refresh.
type refreshMsg struct {
	devices []deviceRow
	runs    []database.Run
	orphans []orphans.Entry
	err     error
}

// MonitorConfig configures the monitor.
type MonitorConfig struct {
	Devices DeviceInspector
	// Journal is optional; nil hides the recent-runs panel.
	Journal RunLister
	// Orphans is optional; nil hides the deferred panel.
	Orphans         OrphanLister
	RefreshInterval time.Duration
}

// MonitorModel is the bubbletea model for the live device monitor.
type MonitorModel struct {
	cfg     MonitorConfig
	styles  *Styles
	spinner spinner.Model
	table   table.Model

	runs       []database.Run
	deferred   []orphans.Entry
	lastErr    error
	lastUpdate time.Time
	width      int
	quitting   bool
}

// NewMonitorModel creates the monitor model.
func NewMonitorModel(cfg MonitorConfig) *MonitorModel {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}

	styles := DefaultStyles()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	columns := []table.Column{
		{Title: "DEVICE", Width: 40},
		{Title: "KIND", Width: 10},
		{Title: "OPEN", Width: 6},
		{Title: "STATE", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	ts := table.DefaultStyles()
	ts.Header = styles.TableHeader
	ts.Selected = styles.TableSelected
	t.SetStyles(ts)

	return &MonitorModel{
		cfg:     cfg,
		styles:  styles,
		spinner: sp,
		table:   t,
	}
}

// Init starts the spinner, the tick loop and the first refresh.
func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refreshCmd(), m.tickCmd())
}

func (m *MonitorModel) tickCmd() tea.Cmd {
	return tea.Tick(m.cfg.RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refreshCmd gathers a fresh view of the mapper table, the journal and
// the orphan ledger off the UI goroutine.
func (m *MonitorModel) refreshCmd() tea.Cmd {
	cfg := m.cfg
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		names, err := cfg.Devices.List(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		sort.Strings(names)

		var msg refreshMsg
		for _, name := range names {
			path := "/dev/mapper/" + name
			row := deviceRow{
				Name: name,
				Kind: naming.Classify(path).Kind,
			}
			// Devices can vanish between List and OpenCount; show -1
			// rather than failing the whole refresh.
			count, err := cfg.Devices.OpenCount(ctx, path)
			if err != nil {
				count = -1
			}
			row.OpenCount = count
			msg.devices = append(msg.devices, row)
		}

		if cfg.Journal != nil {
			if runs, err := cfg.Journal.ListRecentRuns(ctx, 5); err == nil {
				msg.runs = runs
			}
		}
		if cfg.Orphans != nil {
			if entries, err := cfg.Orphans.List(); err == nil {
				msg.orphans = entries
			}
		}
		return msg
	}
}

// Update handles bubbletea messages.
func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), m.tickCmd())

	case refreshMsg:
		m.lastErr = msg.err
		m.lastUpdate = time.Now()
		if msg.err == nil {
			m.table.SetRows(deviceRows(msg.devices))
			m.runs = msg.runs
			m.deferred = msg.orphans
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func deviceRows(devices []deviceRow) []table.Row {
	rows := make([]table.Row, 0, len(devices))
	for _, d := range devices {
		state := SymbolIdle + " idle"
		switch {
		case d.OpenCount < 0:
			state = SymbolWarning + " gone"
		case d.OpenCount > 0:
			state = SymbolBusy + " busy"
		}
		open := strconv.Itoa(d.OpenCount)
		if d.OpenCount < 0 {
			open = "-"
		}
		rows = append(rows, table.Row{d.Name, d.Kind.String(), open, state})
	}
	return rows
}

// View renders the monitor.
func (m *MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	s := m.styles
	out := s.Title.Render("Block Teardown Monitor") + "\n"

	if m.lastErr != nil {
		out += s.Error.Render(SymbolError+" "+m.lastErr.Error()) + "\n"
	}

	out += s.Panel.Render(m.table.View()) + "\n"

	if m.cfg.Journal != nil {
		out += s.SectionHead.Render("Recent runs") + "\n"
		if len(m.runs) == 0 {
			out += s.Muted.Render("  none recorded") + "\n"
		}
		for _, run := range m.runs {
			symbol := s.Success.Render(SymbolSuccess)
			if run.Outcome == "deferred" || run.Outcome == "skipped_busy" {
				symbol = s.Warning.Render(SymbolWarning)
			}
			out += fmt.Sprintf("  %s %-16s %-40s %s\n",
				symbol, run.Outcome, run.DevicePath,
				run.FinishedAt.Local().Format("15:04:05"))
		}
	}

	if m.cfg.Orphans != nil && len(m.deferred) > 0 {
		out += s.SectionHead.Render("Deferred releases") + "\n"
		for _, entry := range m.deferred {
			out += fmt.Sprintf("  %s %s (%d pinned)\n",
				s.Warning.Render(SymbolWarning), entry.Origin, len(entry.Deps))
		}
	}

	refreshed := "never"
	if !m.lastUpdate.IsZero() {
		refreshed = m.lastUpdate.Local().Format("15:04:05")
	}
	out += "\n" + s.Help.Render(fmt.Sprintf("%s refreshed %s    ", m.spinner.View(), refreshed)) +
		s.HelpKey.Render("r") + s.Help.Render(" refresh  ") +
		s.HelpKey.Render("q") + s.Help.Render(" quit") + "\n"

	return out
}

// Run starts the monitor and blocks until the user quits.
func Run(cfg MonitorConfig) error {
	p := tea.NewProgram(NewMonitorModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
